package proctor

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"
)

// FrameSource produces still frames from a live camera feed. The source
// exclusively owns the underlying stream; Close must release the hardware
// resource, not merely stop reads.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// MJPEGSource reads frames from an MJPEG-over-HTTP camera stream, the wire
// format spoken by IP cameras and USB camera streamers.
type MJPEGSource struct {
	mu     sync.Mutex
	body   io.ReadCloser
	reader *multipart.Reader
	closed bool
}

// OpenMJPEGSource connects to an MJPEG stream URL and prepares the
// multipart reader. A connection failure here is the camera acquisition
// failure path: fatal to monitoring.
func OpenMJPEGSource(ctx context.Context, url string) (*MJPEGSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect camera stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("camera stream returned status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected stream content type %q", resp.Header.Get("Content-Type"))
	}

	return &MJPEGSource{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

// NextFrame reads and decodes the next JPEG part from the stream.
func (s *MJPEGSource) NextFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("camera stream is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	part, err := s.reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("read stream part: %w", err)
	}
	defer part.Close()

	img, err := jpeg.Decode(part)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Close terminates the stream connection, releasing the camera.
// Safe to call more than once.
func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
