package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/fidelity"
	"worker/internal/http/handlers"
	"worker/internal/http/httpapi"
	"worker/internal/infra"
	"worker/internal/pipeline"
	"worker/pkg/dataurl"
)

const testSecret = "test-secret"

type stubVision struct {
	meta  domain.VisionMetadata
	err   error
	calls int
}

func (s *stubVision) Extract(_ context.Context, _ []byte, _, productName, _ string) (domain.VisionMetadata, error) {
	s.calls++
	if s.err != nil {
		return domain.DefaultMetadata(productName), s.err
	}
	return s.meta, nil
}

type stubMasker struct {
	mask []byte
	err  error
}

func (s *stubMasker) Mask(context.Context, []byte, string) ([]byte, error) {
	return s.mask, s.err
}

type stubTransformer struct {
	uris  []string
	err   error
	calls int
}

func (s *stubTransformer) Inpaint(context.Context, []byte, []byte, string, string, int) ([]string, error) {
	s.calls++
	return s.uris, s.err
}

func (s *stubTransformer) Enhance(context.Context, []byte, string, string, int) ([]string, error) {
	s.calls++
	return s.uris, s.err
}

func (s *stubTransformer) Generate(context.Context, string, int) ([]string, error) {
	s.calls++
	return s.uris, s.err
}

type stubStore struct {
	err  error
	urls []string
}

func (s *stubStore) Upload(_ context.Context, key, _ string, _ []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	url := "https://cdn.example/" + key
	s.urls = append(s.urls, url)
	return url, nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{90, 90, 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type testDeps struct {
	vision      *stubVision
	masker      *stubMasker
	transformer *stubTransformer
	store       *stubStore
	sql         infra.SQLExecutor
	srv         *httptest.Server
}

func readyConfig() *infra.Config {
	return &infra.Config{
		AppEnv:        "test",
		SharedSecret:  testSecret,
		VertexProject: "test-project",
		// filesystem backend needs no supabase vars
		StorageBackend: "filesystem",
		MaxConcurrent:  4,
	}
}

func newTestRouter(t *testing.T, cfg *infra.Config, deps *testDeps) http.Handler {
	t.Helper()
	source := testPNG(t)
	deps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(source)
	}))
	t.Cleanup(deps.srv.Close)

	if deps.transformer.uris == nil && deps.transformer.err == nil {
		deps.transformer.uris = []string{dataurl.Encode("image/png", source)}
	}

	opts := pipeline.Options{
		Vision:      deps.vision,
		Transformer: deps.transformer,
		Gate:        fidelity.NewGate(fidelity.DefaultThresholds(), nil),
		Store:       deps.store,
		HTTPClient:  deps.srv.Client(),
	}
	if deps.masker != nil {
		opts.Masker = deps.masker
	}
	orch, err := pipeline.NewOrchestrator(opts)
	if err != nil {
		t.Fatal(err)
	}
	app := handlers.NewApp(cfg, zerolog.Nop(), deps.sql, nil, orch)
	return httpapi.NewRouter(app)
}

func orchestrateReq(t *testing.T, deps *testDeps, body string, secret string) *http.Request {
	t.Helper()
	if strings.Contains(body, "SOURCE_URL") {
		body = strings.ReplaceAll(body, "SOURCE_URL", deps.srv.URL)
	}
	req := httptest.NewRequest(http.MethodPost, "/orchestrate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("x-worker-secret", secret)
	}
	return req
}

func TestOrchestrateRejectsMissingSecretWithoutUpstreamCalls(t *testing.T) {
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase"}`, ""))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "unauthorized" {
		t.Fatalf("error = %q", body["error"])
	}
	if deps.vision.calls != 0 || deps.transformer.calls != 0 {
		t.Fatal("upstream providers must not be called")
	}
}

func TestOrchestrateRejectsMissingFields(t *testing.T) {
	for _, body := range []string{
		`{}`,
		`{"image_url":"SOURCE_URL"}`,
		`{"product_name":"vase"}`,
		`{"image_url":"  ","product_name":"vase"}`,
		`not json`,
	} {
		deps := &testDeps{
			vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
			transformer: &stubTransformer{},
			store:       &stubStore{},
		}
		router := newTestRouter(t, readyConfig(), deps)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, orchestrateReq(t, deps, body, testSecret))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp["error"] != "missing image_url or product_name" {
			t.Fatalf("body %q: error = %q", body, resp["error"])
		}
		if deps.vision.calls != 0 || deps.transformer.calls != 0 {
			t.Fatalf("body %q: upstream providers must not be called", body)
		}
	}
}

func TestOrchestrateNotReadyReturns500(t *testing.T) {
	cfg := readyConfig()
	cfg.VertexProject = ""
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, cfg, deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase"}`, testSecret))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "server_not_ready" {
		t.Fatalf("error = %q", resp["error"])
	}
	if deps.vision.calls != 0 {
		t.Fatal("upstream providers must not be called when degraded")
	}
}

func TestOrchestrateHappyPath(t *testing.T) {
	deps := &testDeps{
		vision: &stubVision{meta: domain.VisionMetadata{
			ProductName: "Blue Pottery Vase",
			Category:    "Pottery",
			Description: "Hand-thrown vase.",
			Price:       1450,
			Stock:       3,
			ImagePrompt: "studio shot",
		}},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase","maker_id":"m42"}`, testSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ProductName     string   `json:"product_name"`
		Category        string   `json:"category"`
		Price           float64  `json:"price"`
		Stock           int      `json:"stock"`
		GeneratedImages []string `json:"generated_images"`
		VisionFallback  bool     `json:"vision_fallback"`
		JobID           string   `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ProductName != "Blue Pottery Vase" || resp.Category != "Pottery" {
		t.Fatalf("metadata = %+v", resp)
	}
	if len(resp.GeneratedImages) != 1 {
		t.Fatalf("generated_images = %v", resp.GeneratedImages)
	}
	if !strings.Contains(resp.GeneratedImages[0], "generated/m42/") {
		t.Fatalf("image url = %q", resp.GeneratedImages[0])
	}
	if resp.VisionFallback {
		t.Fatal("vision_fallback should be false")
	}
	if resp.JobID == "" {
		t.Fatal("job_id missing")
	}
}

func TestOrchestrateVisionFailureStillSucceeds(t *testing.T) {
	deps := &testDeps{
		vision:      &stubVision{err: errors.New("model down")},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"clay lamp"}`, testSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ProductName    string `json:"product_name"`
		VisionFallback bool   `json:"vision_fallback"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.VisionFallback {
		t.Fatal("vision_fallback should be true")
	}
	if resp.ProductName != "clay lamp" {
		t.Fatalf("product_name = %q", resp.ProductName)
	}
}

func TestOrchestrateMaskFailureIs502WithVision(t *testing.T) {
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		masker:      &stubMasker{err: errors.New("segmentation down")},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase"}`, testSecret))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error  string                `json:"error"`
		Vision domain.VisionMetadata `json:"vision"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "mask_generation_failed" {
		t.Fatalf("error = %q", resp.Error)
	}
	if resp.Vision.ProductName != "vase" {
		t.Fatalf("vision = %+v", resp.Vision)
	}
}

func TestOrchestrateNoImagesIs502(t *testing.T) {
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		transformer: &stubTransformer{uris: []string{}},
		store:       &stubStore{},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase"}`, testSecret))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "no_images_generated" {
		t.Fatalf("error = %v", resp["error"])
	}
}

func TestOrchestrateAllUploadsFailedIs502(t *testing.T) {
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		transformer: &stubTransformer{},
		store:       &stubStore{err: errors.New("bucket down")},
	}
	router := newTestRouter(t, readyConfig(), deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orchestrateReq(t, deps, `{"image_url":"SOURCE_URL","product_name":"vase"}`, testSecret))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "all_image_uploads_failed" {
		t.Fatalf("error = %v", resp["error"])
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	cfg := readyConfig()
	cfg.SharedSecret = ""
	deps := &testDeps{
		vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		transformer: &stubTransformer{},
		store:       &stubStore{},
	}
	router := newTestRouter(t, cfg, deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status  string   `json:"status"`
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("status = %q", resp.Status)
	}
	found := false
	for _, m := range resp.Missing {
		if m == "WORKER_SHARED_SECRET" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing = %v", resp.Missing)
	}
}
