package proctor

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
)

// Sample is one captured frame, encoded and ready for analysis.
type Sample struct {
	// JPEG is the lossily compressed frame. The backing array belongs to
	// the sampler's reusable buffer and is only valid until the next
	// Capture call.
	JPEG []byte

	// WithObjectDetection marks every Nth sample for the heavier remote
	// object-detection pass.
	WithObjectDetection bool
}

// Sampler captures still frames from the camera at a fixed cadence and
// encodes them for upload. The encode buffer is reused across ticks;
// there is exactly one writer.
type Sampler struct {
	source  FrameSource
	quality int
	every   int // object-detection cadence, in samples

	mu       sync.Mutex
	active   bool
	cameraOn bool
	ready    bool
	count    int
	buf      bytes.Buffer
}

// NewSampler creates a Sampler over the given source. quality is the JPEG
// encode quality (1-100); every is the object-detection cadence.
func NewSampler(source FrameSource, quality, every int) *Sampler {
	if quality <= 0 || quality > 100 {
		quality = 60
	}
	if every <= 0 {
		every = 5
	}
	return &Sampler{
		source:  source,
		quality: quality,
		every:   every,
	}
}

// SetActive toggles the monitoring-active guard.
func (s *Sampler) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// SetCameraOn toggles the camera guard.
func (s *Sampler) SetCameraOn(on bool) {
	s.mu.Lock()
	s.cameraOn = on
	s.mu.Unlock()
}

// SetReady marks the analysis services as ready to receive frames.
func (s *Sampler) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Capture grabs and encodes one frame. Returns ok=false as a no-op — not an
// error — when monitoring is inactive, the camera is off, or analysis is not
// ready. A read or encode failure also yields ok=false; the next tick simply
// tries again.
func (s *Sampler) Capture(ctx context.Context) (*Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || !s.cameraOn || !s.ready || s.source == nil {
		return nil, false
	}

	img, err := s.source.NextFrame(ctx)
	if err != nil {
		return nil, false
	}

	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, false
	}

	s.count++
	return &Sample{
		JPEG:                s.buf.Bytes(),
		WithObjectDetection: s.count%s.every == 0,
	}, true
}
