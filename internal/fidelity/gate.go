// Package fidelity scores generated candidates against the maker's
// original photo so hallucinated products never reach the storefront.
package fidelity

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"worker/internal/infra"
)

// Thresholds bound how far a candidate may drift from the original.
type Thresholds struct {
	MinPSNR       float64
	MaxMSE        float64
	MaxColorDelta float64
}

// DefaultThresholds returns the production gate settings.
func DefaultThresholds() Thresholds {
	return Thresholds{MinPSNR: 30, MaxMSE: 200, MaxColorDelta: 6}
}

// Report carries the per-candidate similarity metrics.
type Report struct {
	MSE        float64
	PSNR       float64
	ColorDelta float64
	Reason     string
}

// Gate evaluates candidates against an original image.
type Gate struct {
	thresholds Thresholds
	logger     *infra.Logger
}

// NewGate constructs a gate. Zero-valued threshold fields fall back to
// the defaults.
func NewGate(t Thresholds, logger *infra.Logger) *Gate {
	def := DefaultThresholds()
	if t.MinPSNR <= 0 {
		t.MinPSNR = def.MinPSNR
	}
	if t.MaxMSE <= 0 {
		t.MaxMSE = def.MaxMSE
	}
	if t.MaxColorDelta <= 0 {
		t.MaxColorDelta = def.MaxColorDelta
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Gate{thresholds: t, logger: logger}
}

// Evaluate decodes both images, rescales the candidate to the original's
// bounds, and accepts only candidates inside every threshold. An
// undecodable candidate is rejected, never passed through.
func (g *Gate) Evaluate(original, candidate []byte) (Report, bool) {
	origImg, err := decodeImage(original)
	if err != nil {
		// No baseline to compare against; the pipeline skips gating in
		// prompt-only generation, so this path means a corrupt source.
		return Report{Reason: "original undecodable"}, false
	}
	candImg, err := decodeImage(candidate)
	if err != nil {
		return Report{Reason: "candidate undecodable"}, false
	}
	scaled := rescale(candImg, origImg.Bounds())
	report := compare(origImg, scaled)

	ok := true
	switch {
	case report.MSE > g.thresholds.MaxMSE:
		report.Reason = fmt.Sprintf("mse %.1f over %.1f", report.MSE, g.thresholds.MaxMSE)
		ok = false
	case report.PSNR < g.thresholds.MinPSNR:
		report.Reason = fmt.Sprintf("psnr %.1f under %.1f", report.PSNR, g.thresholds.MinPSNR)
		ok = false
	case report.ColorDelta > g.thresholds.MaxColorDelta:
		report.Reason = fmt.Sprintf("color delta %.1f over %.1f", report.ColorDelta, g.thresholds.MaxColorDelta)
		ok = false
	}
	g.logger.Debug().
		Float64("mse", report.MSE).
		Float64("psnr", report.PSNR).
		Float64("color_delta", report.ColorDelta).
		Bool("accepted", ok).
		Msg("fidelity: candidate scored")
	return report, ok
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func rescale(img image.Image, bounds image.Rectangle) image.Image {
	if img.Bounds().Dx() == bounds.Dx() && img.Bounds().Dy() == bounds.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func compare(a, b image.Image) Report {
	bounds := a.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return Report{Reason: "empty image"}
	}

	var sumSq float64
	var sumA [3]float64
	var sumB [3]float64
	offB := b.Bounds().Min

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			ar, ag, ab, _ := a.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			br, bg, bb, _ := b.At(offB.X+x, offB.Y+y).RGBA()
			da := float64(ar>>8) - float64(br>>8)
			dg := float64(ag>>8) - float64(bg>>8)
			db := float64(ab>>8) - float64(bb>>8)
			sumSq += da*da + dg*dg + db*db
			sumA[0] += float64(ar >> 8)
			sumA[1] += float64(ag >> 8)
			sumA[2] += float64(ab >> 8)
			sumB[0] += float64(br >> 8)
			sumB[1] += float64(bg >> 8)
			sumB[2] += float64(bb >> 8)
		}
	}

	pixels := float64(width * height)
	mse := sumSq / (pixels * 3)
	psnr := math.Inf(1)
	if mse > 0 {
		psnr = 10 * math.Log10(255*255/mse)
	}
	var colorDelta float64
	for i := 0; i < 3; i++ {
		colorDelta += math.Abs(sumA[i]-sumB[i]) / pixels
	}
	colorDelta /= 3

	return Report{MSE: mse, PSNR: psnr, ColorDelta: colorDelta}
}
