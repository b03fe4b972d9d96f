package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/lumachat/chatsync/internal/chat"
)

func TestUploadValidationFailsBeforeNetwork(t *testing.T) {
	calls := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))

	cases := []struct {
		name  string
		files []File
	}{
		{"empty batch", nil},
		{"too many files", []File{
			{Name: "a.jpg"}, {Name: "b.jpg"}, {Name: "c.jpg"},
		}},
		{"oversized file", []File{
			{Name: "big.jpg", Data: make([]byte, 2048)},
		}},
		{"bad extension", []File{
			{Name: "script.exe", Data: []byte("x")},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.UploadFiles(context.Background(), "r1", tc.files)
			if got := chat.Classify(err); got != chat.KindValidation {
				t.Errorf("kind = %v, want validation", got)
			}
		})
	}

	if calls != 0 {
		t.Errorf("validation failures made %d network calls, want 0", calls)
	}
}

func TestUploadMultipart(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/r1/files" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		parts := r.MultipartForm.File["files"]
		if len(parts) != 2 {
			t.Fatalf("got %d parts, want 2", len(parts))
		}
		if parts[0].Filename != "a.jpg" {
			t.Errorf("first part = %q", parts[0].Filename)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"id": "f1", "name": "a.jpg", "size": 3, "url": "https://cdn/f1"},
				{"id": "f2", "name": "b.jpg", "size": 3, "url": "https://cdn/f2"},
			},
		})
	}))

	refs, err := c.UploadFiles(context.Background(), "r1", []File{
		{Name: "a.jpg", Data: []byte("aaa")},
		{Name: "b.jpg", Data: []byte("bbb")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].ID != "f1" || refs[1].URL != "https://cdn/f2" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestUploadCaseInsensitiveExtension(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"files": []map[string]any{{"id": "f1"}}})
	}))

	if _, err := c.UploadFiles(context.Background(), "r1", []File{{Name: "PHOTO.JPG", Data: []byte("x")}}); err != nil {
		t.Errorf("uppercase extension rejected: %v", err)
	}
}
