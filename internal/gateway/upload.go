package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/lumachat/chatsync/internal/chat"
)

// File is a blob selected for upload.
type File struct {
	Name string
	Data []byte
}

// UploadFiles validates the batch locally, then posts it as multipart
// form data and returns the server-issued file references. Validation
// failures are returned before any network traffic happens.
func (c *Client) UploadFiles(ctx context.Context, roomID string, files []File) ([]chat.FileRef, error) {
	const op = "gateway.upload_files"

	if err := c.validateUpload(op, files); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, chat.NewError(chat.KindUnknown, op, "build multipart body", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, chat.NewError(chat.KindUnknown, op, "build multipart body", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, chat.NewError(chat.KindUnknown, op, "build multipart body", err)
	}

	path := fmt.Sprintf("/rooms/%s/files", url.PathEscape(roomID))
	ref, err := url.Parse(path)
	if err != nil {
		return nil, chat.NewError(chat.KindUnknown, op, "build url", err)
	}
	u := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return nil, chat.NewError(chat.KindUnknown, op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, chat.NewError(chat.KindTransientNetwork, op, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, c.classify(op, resp)
	}

	var out struct {
		Files []fileRefDTO `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, chat.NewError(chat.KindUnknown, op, "decode response", err)
	}
	refs := make([]chat.FileRef, 0, len(out.Files))
	for _, d := range out.Files {
		refs = append(refs, chat.FileRef(d))
	}
	return refs, nil
}

// validateUpload enforces count, size and extension limits from config.
func (c *Client) validateUpload(op string, files []File) error {
	if len(files) == 0 {
		return chat.NewError(chat.KindValidation, op, "no files selected", nil)
	}
	if c.upload.MaxFiles > 0 && len(files) > c.upload.MaxFiles {
		msg := fmt.Sprintf("too many files: %d (limit %d)", len(files), c.upload.MaxFiles)
		return chat.NewError(chat.KindValidation, op, msg, nil)
	}
	for _, f := range files {
		if c.upload.MaxFileBytes > 0 && int64(len(f.Data)) > c.upload.MaxFileBytes {
			msg := fmt.Sprintf("%s exceeds size limit (%d bytes)", f.Name, c.upload.MaxFileBytes)
			return chat.NewError(chat.KindValidation, op, msg, nil)
		}
		if len(c.upload.AllowedExts) > 0 && !extAllowed(f.Name, c.upload.AllowedExts) {
			msg := fmt.Sprintf("%s has a disallowed extension", f.Name)
			return chat.NewError(chat.KindValidation, op, msg, nil)
		}
	}
	return nil
}

func extAllowed(name string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}
