package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/fidelity"
	"worker/internal/http/handlers"
	"worker/internal/http/httpapi"
	"worker/internal/pipeline"
	"worker/pkg/dataurl"
)

// blockingTransformer parks inside the pipeline until released, so a
// test can hold the orchestration slot while issuing a second request.
type blockingTransformer struct {
	entered chan struct{}
	release chan struct{}
	uris    []string
}

func (b *blockingTransformer) Enhance(ctx context.Context, _ []byte, _, _ string, _ int) ([]string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return b.uris, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingTransformer) Inpaint(ctx context.Context, img, _ []byte, mime, prompt string, count int) ([]string, error) {
	return b.Enhance(ctx, img, mime, prompt, count)
}

func (b *blockingTransformer) Generate(ctx context.Context, prompt string, count int) ([]string, error) {
	return b.Enhance(ctx, nil, "", prompt, count)
}

func TestOrchestrateConcurrencyLimitReturns429(t *testing.T) {
	source := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(source)
	}))
	defer srv.Close()

	transformer := &blockingTransformer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		uris:    []string{dataurl.Encode("image/png", source)},
	}
	orch, err := pipeline.NewOrchestrator(pipeline.Options{
		Vision:      &stubVision{meta: domain.DefaultMetadata("vase")},
		Transformer: transformer,
		Gate:        fidelity.NewGate(fidelity.DefaultThresholds(), nil),
		Store:       &stubStore{},
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := readyConfig()
	cfg.MaxConcurrent = 1
	app := handlers.NewApp(cfg, zerolog.Nop(), nil, nil, orch)
	router := httpapi.NewRouter(app)

	body := `{"image_url":"` + srv.URL + `","product_name":"vase"}`
	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/orchestrate", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-worker-secret", testSecret)
		return req
	}

	firstRec := httptest.NewRecorder()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		router.ServeHTTP(firstRec, newReq())
	}()

	// Wait until the first request holds the only slot.
	select {
	case <-transformer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the transformer")
	}

	secondRec := httptest.NewRecorder()
	router.ServeHTTP(secondRec, newReq())

	if secondRec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", secondRec.Code, http.StatusTooManyRequests)
	}
	var resp map[string]string
	if err := json.Unmarshal(secondRec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "too_many_requests" {
		t.Fatalf("error = %q", resp["error"])
	}

	close(transformer.release)
	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never completed")
	}
	if firstRec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", firstRec.Code, firstRec.Body.String())
	}
}
