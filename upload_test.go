package jsocialflux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

type uploadedPart struct {
	fileName    string
	contentType string
	data        string
}

// multipartServer records the parts of the last multipart request and answers
// with reply.
func multipartServer(t *testing.T, reply string, parts map[string]uploadedPart, method *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*method = r.Method + " " + r.URL.Path
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("MultipartReader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("NextPart: %v", err)
				return
			}
			data, _ := io.ReadAll(p)
			parts[p.FormName()] = uploadedPart{
				fileName:    p.FileName(),
				contentType: p.Header.Get("Content-Type"),
				data:        string(data),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Tests
// ============================================================================

func TestPhotoUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("Upload bytes - happy path", func(t *testing.T) {
		parts := map[string]uploadedPart{}
		var method string
		srv := multipartServer(t, `{"id":7,"url":"/uploads/a.png","uploadedAt":"2025-01-01T00:00:00Z","description":"sunset"}`, parts, &method)
		client := NewClient(WithBaseURL(srv.URL))

		card, err := client.Photos.Upload(ctx, []byte("png-bytes"), "a.png", "  sunset ")
		if err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		if card.ID != 7 || card.URL != "/uploads/a.png" {
			t.Fatalf("unexpected card: %+v", card)
		}
		if method != "POST /api/photos" {
			t.Fatalf("Expected POST /api/photos, got %s", method)
		}
		file := parts["file"]
		if file.fileName != "a.png" || file.contentType != "image/png" || file.data != "png-bytes" {
			t.Fatalf("unexpected file part: %+v", file)
		}
		if parts["description"].data != "sunset" {
			t.Fatalf("Expected trimmed description, got %q", parts["description"].data)
		}
	})

	t.Run("Blank description is omitted", func(t *testing.T) {
		parts := map[string]uploadedPart{}
		var method string
		srv := multipartServer(t, `{"id":8,"url":"/u/b.webp"}`, parts, &method)
		client := NewClient(WithBaseURL(srv.URL))

		if _, err := client.Photos.Upload(ctx, []byte("x"), "b.webp", "   "); err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		if _, ok := parts["description"]; ok {
			t.Fatal("Expected no description part")
		}
		if parts["file"].contentType != "image/webp" {
			t.Fatalf("Expected image/webp, got %s", parts["file"].contentType)
		}
	})

	t.Run("UploadFile from path", func(t *testing.T) {
		parts := map[string]uploadedPart{}
		var method string
		srv := multipartServer(t, `{"id":9,"url":"/u/c.jpg"}`, parts, &method)
		client := NewClient(WithBaseURL(srv.URL))

		filePath := filepath.Join(t.TempDir(), "c.jpg")
		if err := os.WriteFile(filePath, []byte("jpeg"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := client.Photos.UploadFile(ctx, filePath, ""); err != nil {
			t.Fatalf("UploadFile error: %v", err)
		}
		if parts["file"].fileName != "c.jpg" || parts["file"].contentType != "image/jpeg" {
			t.Fatalf("unexpected file part: %+v", parts["file"])
		}
	})

	t.Run("Error - missing fileName", func(t *testing.T) {
		client := NewClient(WithBaseURL("http://127.0.0.1:0"))
		_, err := client.Photos.Upload(ctx, []byte("no name"), "", "")
		if err == nil || !strings.Contains(err.Error(), "fileName") {
			t.Fatalf("Expected error about fileName, got: %v", err)
		}
	})

	t.Run("Error - too large", func(t *testing.T) {
		client := NewClient(WithBaseURL("http://127.0.0.1:0"))
		_, err := client.Photos.Upload(ctx, make([]byte, MaxPhotoSize+1), "big.png", "")
		if err == nil || !strings.Contains(err.Error(), "maximum size") {
			t.Fatalf("Expected size error, got: %v", err)
		}
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("Rename with avatar", func(t *testing.T) {
		parts := map[string]uploadedPart{}
		var method string
		srv := multipartServer(t, `{"username":"bobby"}`, parts, &method)
		client := NewClient(WithBaseURL(srv.URL))

		name, err := client.Users.UpdateProfile(ctx, "bob", &UpdateProfileRequest{NewUsername: "bobby"}, &Avatar{FileName: "me.png", Data: []byte("img")})
		if err != nil {
			t.Fatalf("UpdateProfile error: %v", err)
		}
		if name != "bobby" {
			t.Fatalf("Expected bobby, got %s", name)
		}
		if method != "PUT /api/users/bob" {
			t.Fatalf("Expected PUT /api/users/bob, got %s", method)
		}

		payload := parts["payload"]
		if payload.contentType != "application/json" {
			t.Fatalf("Expected JSON payload part, got %s", payload.contentType)
		}
		var req UpdateProfileRequest
		if err := json.Unmarshal([]byte(payload.data), &req); err != nil {
			t.Fatalf("Decode payload: %v", err)
		}
		if req.NewUsername != "bobby" || req.DeleteAvatar {
			t.Fatalf("unexpected payload: %+v", req)
		}
		if parts["avatar"].data != "img" {
			t.Fatalf("Expected avatar part, got %+v", parts["avatar"])
		}
	})

	t.Run("Empty response falls back", func(t *testing.T) {
		parts := map[string]uploadedPart{}
		var method string
		srv := multipartServer(t, ``, parts, &method)
		client := NewClient(WithBaseURL(srv.URL))

		name, err := client.Users.UpdateProfile(ctx, "carol", &UpdateProfileRequest{DeleteAvatar: true}, nil)
		if err != nil {
			t.Fatalf("UpdateProfile error: %v", err)
		}
		if name != "carol" {
			t.Fatalf("Expected carol, got %s", name)
		}
		if _, ok := parts["avatar"]; ok {
			t.Fatal("Expected no avatar part")
		}
	})
}

func TestGuessMimeType(t *testing.T) {
	cases := map[string]string{
		"photo.PNG":  "image/png",
		"photo.jpg":  "image/jpeg",
		"photo.heic": "image/heic",
		"photo.avif": "image/avif",
		"noext":      "application/octet-stream",
		"data.zzz":   "application/octet-stream",
	}
	for name, want := range cases {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}
