package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSupabaseUploadSuccess(t *testing.T) {
	var gotPath, gotAuth, gotUpsert, gotMime string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotUpsert = r.Header.Get("x-upsert")
		gotMime = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"Key":"products/generated/a.png"}`))
	}))
	defer srv.Close()

	store, err := NewSupabaseStore(SupabaseOptions{
		BaseURL:    srv.URL,
		ServiceKey: "service-key",
		Bucket:     "products",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	url, err := store.Upload(context.Background(), "generated/a.png", "image/png", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotPath != "/storage/v1/object/products/generated/a.png" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer service-key" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotUpsert != "false" {
		t.Fatalf("x-upsert = %q", gotUpsert)
	}
	if gotMime != "image/png" {
		t.Fatalf("content-type = %q", gotMime)
	}
	if len(gotBody) != 3 {
		t.Fatalf("body = %v", gotBody)
	}
	want := srv.URL + "/storage/v1/object/public/products/generated/a.png"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
}

func TestSupabaseUploadErrorSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"The resource already exists"}`))
	}))
	defer srv.Close()

	store, err := NewSupabaseStore(SupabaseOptions{BaseURL: srv.URL, ServiceKey: "k", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Upload(context.Background(), "generated/a.png", "image/png", []byte{1})
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("err = %v", err)
	}
}

func TestSupabaseUploadRejectsTraversalKey(t *testing.T) {
	store, err := NewSupabaseStore(SupabaseOptions{BaseURL: "https://example.supabase.co", ServiceKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(context.Background(), "../escape.png", "image/png", []byte{1}); err == nil {
		t.Fatal("want error")
	}
}

func TestNewSupabaseStoreRequiresConfig(t *testing.T) {
	if _, err := NewSupabaseStore(SupabaseOptions{ServiceKey: "k"}); err == nil {
		t.Fatal("missing url must fail")
	}
	if _, err := NewSupabaseStore(SupabaseOptions{BaseURL: "https://example.supabase.co"}); err == nil {
		t.Fatal("missing service key must fail")
	}
}
