package jsocialflux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// MaxPhotoSize is the largest upload the API accepts.
const MaxPhotoSize = 10 * 1024 * 1024

// ============================================================================
// Photos
// ============================================================================

type PhotosClient struct{ c *Client }

func (p *PhotosClient) Get(ctx context.Context, id int64) (*Photo, error) {
	return getJSON[Photo](ctx, p.c, "/api/photos/"+id64(id), nil)
}

// Upload publishes an image. fileName is used for the part name and MIME
// type; description is optional.
func (p *PhotosClient) Upload(ctx context.Context, data []byte, fileName, description string) (*PhotoCard, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	if len(data) > MaxPhotoSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d MB", MaxPhotoSize/(1024*1024))
	}

	form := newMultipartForm()
	if err := form.file("file", fileName, data); err != nil {
		return nil, err
	}
	if d := strings.TrimSpace(description); d != "" {
		if err := form.field("description", d); err != nil {
			return nil, err
		}
	}
	body, err := p.c.doMultipart(ctx, http.MethodPost, "/api/photos", form)
	if err != nil {
		return nil, err
	}
	return decodeJSON[PhotoCard](body)
}

// UploadFile publishes an image read from a local path.
func (p *PhotosClient) UploadFile(ctx context.Context, filePath, description string) (*PhotoCard, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.Upload(ctx, data, filepath.Base(filePath), description)
}

func (p *PhotosClient) UpdateDescription(ctx context.Context, id int64, description string) (*Photo, error) {
	return sendJSON[Photo](ctx, p.c, http.MethodPatch, "/api/photos/"+id64(id), map[string]string{"description": description})
}

func (p *PhotosClient) Delete(ctx context.Context, id int64) error {
	_, err := p.c.doRequest(ctx, http.MethodDelete, "/api/photos/"+id64(id), nil, nil)
	return err
}

// ListByUser returns a page of username's photos.
func (p *PhotosClient) ListByUser(ctx context.Context, username string, cursor *TSCursor, size int) (*Slice[PhotoCard], error) {
	return getJSON[Slice[PhotoCard]](ctx, p.c, "/api/users/"+url.PathEscape(username)+"/photos", tsCursorQuery(cursor, size))
}

func (p *PhotosClient) ListComments(ctx context.Context, photoID int64, cursor *TSCursor, size int) (*Slice[Comment], error) {
	return listComments(ctx, p.c, "photos", photoID, cursor, size)
}

func (p *PhotosClient) CreateComment(ctx context.Context, photoID int64, content string) (*Comment, error) {
	return createComment(ctx, p.c, "photos", photoID, content)
}

// DeleteComment removes a comment. It reports false when the caller may
// not delete it.
func (p *PhotosClient) DeleteComment(ctx context.Context, photoID, commentID int64) (bool, error) {
	return deleteComment(ctx, p.c, "photos", photoID, commentID)
}

// ============================================================================
// Profile
// ============================================================================

// Avatar is an optional image sent with a profile update.
type Avatar struct {
	FileName string
	Data     []byte
}

// UpdateProfile renames username and/or replaces its avatar. It returns the
// username now in effect.
func (u *UsersClient) UpdateProfile(ctx context.Context, username string, req *UpdateProfileRequest, avatar *Avatar) (string, error) {
	if req == nil {
		req = &UpdateProfileRequest{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	form := newMultipartForm()
	if err := form.part("payload", "", "application/json", payload); err != nil {
		return "", err
	}
	if avatar != nil && len(avatar.Data) > 0 {
		if err := form.file("avatar", avatar.FileName, avatar.Data); err != nil {
			return "", err
		}
	}
	body, err := u.c.doMultipart(ctx, http.MethodPut, "/api/users/"+url.PathEscape(username), form)
	if err != nil {
		return "", err
	}

	// Older servers answer 204 without a body.
	if len(bytes.TrimSpace(body)) > 0 {
		var res Me
		if json.Unmarshal(body, &res) == nil && res.Username != "" {
			return res.Username, nil
		}
	}
	if n := strings.TrimSpace(req.NewUsername); n != "" {
		return n, nil
	}
	return username, nil
}

// ============================================================================
// Multipart helpers
// ============================================================================

type multipartForm struct {
	buf bytes.Buffer
	w   *multipart.Writer
}

func newMultipartForm() *multipartForm {
	f := &multipartForm{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *multipartForm) field(name, value string) error {
	if err := f.w.WriteField(name, value); err != nil {
		return fmt.Errorf("failed to write form field %s: %w", name, err)
	}
	return nil
}

func (f *multipartForm) file(name, fileName string, data []byte) error {
	return f.part(name, fileName, guessMimeType(fileName), data)
}

func (f *multipartForm) part(name, fileName, contentType string, data []byte) error {
	disposition := fmt.Sprintf(`form-data; name=%q`, name)
	if fileName != "" {
		disposition += fmt.Sprintf(`; filename=%q`, fileName)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)
	part, err := f.w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form part %s: %w", name, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write form part %s: %w", name, err)
	}
	return nil
}

func (c *Client) doMultipart(ctx context.Context, method, path string, form *multipartForm) ([]byte, error) {
	if err := form.w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, &form.buf, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.w.FormDataContentType())
	return c.send(req)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".avif": "image/avif",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
