package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func cloudinaryUnderTest(t *testing.T, handler http.Handler) *CloudinaryStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewCloudinaryStore(CloudinaryOptions{
		CloudName:  "demo",
		APIKey:     "key123",
		APISecret:  "shh",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCloudinaryStoreSignsAndParses(t *testing.T) {
	var gotPath string
	var form map[string]string

	store := cloudinaryUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = make(map[string]string)
		for key, values := range r.MultipartForm.Value {
			form[key] = values[0]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"secure_url": "https://res.cloudinary.com/demo/image/upload/realesrgan/photo-abc.webp",
			"public_id":  "realesrgan/photo-abc",
			"bytes":      2048,
			"format":     "webp",
			"width":      400,
			"height":     300,
		})
	}))

	result, err := store.Store(context.Background(), StoreRequest{
		Data:     []byte("png bytes"),
		Name:     "photo.png",
		Folder:   "realesrgan",
		Format:   "webp",
		Encoding: "png",
		Quality:  "auto",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if gotPath != "/v1_1/demo/image/upload" {
		t.Fatalf("unexpected upload path: %q", gotPath)
	}
	if !strings.HasPrefix(form["public_id"], "realesrgan/photo-") {
		t.Fatalf("unexpected public_id: %q", form["public_id"])
	}
	if form["format"] != "webp" {
		t.Fatalf("delivery format must be requested when it differs from the encoding, got %q", form["format"])
	}
	if _, ok := form["quality"]; ok {
		t.Fatal("auto quality must not be sent")
	}
	if form["api_key"] != "key123" {
		t.Fatalf("unexpected api_key: %q", form["api_key"])
	}

	signed := map[string]string{
		"public_id": form["public_id"],
		"timestamp": form["timestamp"],
		"format":    form["format"],
	}
	if want := signParams(signed, "shh"); form["signature"] != want {
		t.Fatalf("signature mismatch: got %q want %q", form["signature"], want)
	}

	if result.URL == "" || result.PublicID != "realesrgan/photo-abc" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Bytes != 2048 || result.Format != "webp" || result.Width != 400 || result.Height != 300 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCloudinaryStoreFreshPublicIDs(t *testing.T) {
	var ids []string
	store := cloudinaryUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(32 << 20)
		ids = append(ids, r.MultipartForm.Value["public_id"][0])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"secure_url": "u", "public_id": "p"})
	}))

	req := StoreRequest{Data: []byte("x"), Name: "photo.png", Folder: "gfpgan", Format: "png", Encoding: "png"}
	for i := 0; i < 2; i++ {
		if _, err := store.Store(context.Background(), req); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("repeated uploads must use fresh public IDs: %v", ids)
	}
}

func TestCloudinaryStoreUploadFault(t *testing.T) {
	store := cloudinaryUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid signature"}}`, http.StatusUnauthorized)
	}))

	_, err := store.Store(context.Background(), StoreRequest{Data: []byte("x"), Name: "a.png", Folder: "f", Format: "png", Encoding: "png"})
	if err == nil {
		t.Fatal("expected an error for a rejected upload")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestCloudinaryStoreRejectsEmptyArtifact(t *testing.T) {
	store := cloudinaryUnderTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty artifact")
	}))

	if _, err := store.Store(context.Background(), StoreRequest{Name: "a.png"}); err == nil {
		t.Fatal("expected an error for an empty artifact")
	}
}

func TestNewCloudinaryStoreRequiresCredentials(t *testing.T) {
	if _, err := NewCloudinaryStore(CloudinaryOptions{CloudName: "demo"}); err == nil {
		t.Fatal("expected an error for missing credentials")
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"photo.png":            "photo",
		"my photo (1).png":     "myphoto1",
		"../../../etc/passwd":  "image",
		"":                     "image",
		"Xx_final-v2.jpg.webp": "Xx_final-v2",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
