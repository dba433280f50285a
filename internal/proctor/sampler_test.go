package proctor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	frame  image.Image
	err    error
	reads  int
	closed bool
}

func (s *stubSource) NextFrame(ctx context.Context) (image.Image, error) {
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 120, A: 255})
		}
	}
	return img
}

func readySampler(source FrameSource) *Sampler {
	s := NewSampler(source, 75, 3)
	s.SetActive(true)
	s.SetCameraOn(true)
	s.SetReady(true)
	return s
}

func TestCaptureGuards(t *testing.T) {
	source := &stubSource{frame: testFrame()}
	s := NewSampler(source, 75, 3)

	// All guards down: no capture, no source read.
	_, ok := s.Capture(context.Background())
	assert.False(t, ok)

	s.SetActive(true)
	_, ok = s.Capture(context.Background())
	assert.False(t, ok)

	s.SetCameraOn(true)
	_, ok = s.Capture(context.Background())
	assert.False(t, ok)
	assert.Zero(t, source.reads, "guarded captures must not touch the camera")

	s.SetReady(true)
	sample, ok := s.Capture(context.Background())
	require.True(t, ok)
	assert.NotEmpty(t, sample.JPEG)
}

func TestCaptureTogglesOffAgain(t *testing.T) {
	source := &stubSource{frame: testFrame()}
	s := readySampler(source)

	_, ok := s.Capture(context.Background())
	require.True(t, ok)

	s.SetCameraOn(false)
	_, ok = s.Capture(context.Background())
	assert.False(t, ok)

	s.SetCameraOn(true)
	_, ok = s.Capture(context.Background())
	assert.True(t, ok)
}

func TestEveryNthSampleFlagsObjectDetection(t *testing.T) {
	source := &stubSource{frame: testFrame()}
	s := readySampler(source)

	var flags []bool
	for i := 0; i < 7; i++ {
		sample, ok := s.Capture(context.Background())
		require.True(t, ok)
		flags = append(flags, sample.WithObjectDetection)
	}
	assert.Equal(t, []bool{false, false, true, false, false, true, false}, flags)
}

func TestReadFailureIsNotFatal(t *testing.T) {
	source := &stubSource{err: errors.New("stream hiccup")}
	s := readySampler(source)

	_, ok := s.Capture(context.Background())
	assert.False(t, ok)

	// The next tick simply tries again.
	source.err = nil
	source.frame = testFrame()
	_, ok = s.Capture(context.Background())
	assert.True(t, ok)
}

func TestFailedCaptureDoesNotAdvanceCadence(t *testing.T) {
	source := &stubSource{frame: testFrame()}
	s := readySampler(source)

	_, ok := s.Capture(context.Background())
	require.True(t, ok)
	_, ok = s.Capture(context.Background())
	require.True(t, ok)

	// A failed read between samples must not consume the object slot.
	source.err = errors.New("stream hiccup")
	_, ok = s.Capture(context.Background())
	require.False(t, ok)
	source.err = nil

	sample, ok := s.Capture(context.Background())
	require.True(t, ok)
	assert.True(t, sample.WithObjectDetection, "third successful sample carries object detection")
}
