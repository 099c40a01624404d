package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDirStoreRoundTrip(t *testing.T) {
	store, err := NewDirStore(t.TempDir(), "http://chat.test/media")
	if err != nil {
		t.Fatal(err)
	}

	url, err := store.Save("photo.png", strings.NewReader("fake image bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "http://chat.test/media/") {
		t.Fatalf("unexpected url %q", url)
	}
	if !strings.HasSuffix(url, ".png") {
		t.Fatalf("extension lost: %q", url)
	}

	// Same content, same URL.
	again, err := store.Save("photo.png", strings.NewReader("fake image bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if again != url {
		t.Fatalf("content-addressed name changed: %q vs %q", again, url)
	}
}

func TestDirStoreSanitizesExtension(t *testing.T) {
	store, err := NewDirStore(t.TempDir(), "http://chat.test/media")
	if err != nil {
		t.Fatal(err)
	}

	url, err := store.Save("../../etc/passwd%00.Sh!", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(url, "..") || strings.Contains(url, "!") {
		t.Fatalf("unsafe url %q", url)
	}
}

func TestHTTPUploaderAgainstHandler(t *testing.T) {
	store, err := NewDirStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(store.Handler())
	defer srv.Close()
	// The store does not know its public address until the test server
	// exists, so rebuild it pointing at the real URL.
	store.baseURL = srv.URL

	up := NewHTTPUploader(srv.URL)
	url, err := up.Upload(context.Background(), "notes.txt", strings.NewReader("hello attachment"))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello attachment" {
		t.Fatalf("round trip corrupted body: %q", body)
	}
}

func TestHandlerRejectsMissingFile(t *testing.T) {
	store, err := NewDirStore(t.TempDir(), "http://chat.test/media")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/media", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
