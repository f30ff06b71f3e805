package gateway

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/victornm/risingstars/internal/errors"
)

// UploadVideo streams the file as multipart form data (fields "title" and "video").
// Transport failures and non-auth error statuses are reported as CodeUpload.
func (c *Client) UploadVideo(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, req))
	}()

	b, err := c.do(ctx, call{
		op:          "upload",
		method:      http.MethodPost,
		path:        "/api/videos/upload",
		auth:        authRequired,
		body:        pr,
		contentType: mw.FormDataContentType(),
		failure:     errors.CodeUpload,
	})
	// Unblocks the writer when the request ended before the body was consumed.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return nil, err
	}

	var r UploadResponse
	if err := decode(b, &r); err != nil {
		return nil, errors.New(errors.CodeUpload, errors.WithMessagef("upload: decode response"), errors.WithCause(err))
	}
	if r.VideoID == "" {
		return nil, errors.New(errors.CodeUpload, errors.WithMessagef("upload: backend returned no video id"))
	}
	return &r, nil
}

func writeUploadForm(mw *multipart.Writer, req UploadRequest) error {
	if err := mw.WriteField("title", req.Title); err != nil {
		return fmt.Errorf("write title: %w", err)
	}

	ct := req.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, req.FileName))
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}

	if _, err := io.Copy(part, &progressReader{r: req.Content, total: req.Size, fn: req.Progress}); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return mw.Close()
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
