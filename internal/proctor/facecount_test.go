package proctor

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	skin       = color.RGBA{R: 224, G: 160, B: 120, A: 255}
	background = color.RGBA{R: 30, G: 30, B: 40, A: 255}
)

func encodeTestImage(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// paintRect fills a rectangle with the given color.
func paintRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

func blankCanvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	paintRect(img, img.Bounds(), background)
	return img
}

func TestCountFacesEmptyFrame(t *testing.T) {
	c := NewSkinRegionCounter()
	img := blankCanvas(480, 480)
	assert.Equal(t, 0, c.CountFaces(encodeTestImage(t, img)))
}

func TestCountFacesSingleRegion(t *testing.T) {
	c := NewSkinRegionCounter()
	img := blankCanvas(480, 480)
	paintRect(img, image.Rect(180, 120, 300, 280), skin)
	assert.Equal(t, 1, c.CountFaces(encodeTestImage(t, img)))
}

func TestCountFacesTwoSeparatedRegions(t *testing.T) {
	c := NewSkinRegionCounter()
	img := blankCanvas(480, 480)
	paintRect(img, image.Rect(40, 140, 160, 300), skin)
	paintRect(img, image.Rect(320, 140, 440, 300), skin)
	assert.Equal(t, 2, c.CountFaces(encodeTestImage(t, img)))
}

func TestCountFacesIgnoresTinySpeckles(t *testing.T) {
	c := NewSkinRegionCounter()
	img := blankCanvas(480, 480)
	// A single grid cell worth of skin is noise, not a face.
	paintRect(img, image.Rect(240, 240, 250, 250), skin)
	assert.Equal(t, 0, c.CountFaces(encodeTestImage(t, img)))
}

func TestCountFacesEdgeRegionsDoNotWrap(t *testing.T) {
	c := NewSkinRegionCounter()
	img := blankCanvas(480, 480)
	// Regions hugging opposite edges must not merge across the row seam.
	paintRect(img, image.Rect(0, 0, 30, 480), skin)
	paintRect(img, image.Rect(450, 0, 480, 480), skin)
	assert.Equal(t, 2, c.CountFaces(encodeTestImage(t, img)))
}

func TestCountFacesGarbageInput(t *testing.T) {
	c := NewSkinRegionCounter()
	assert.Equal(t, 0, c.CountFaces([]byte("definitely not a jpeg")))
	assert.Equal(t, 0, c.CountFaces(nil))
}

func TestIsSkinToneRules(t *testing.T) {
	assert.True(t, isSkinTone(224, 160, 120))
	assert.True(t, isSkinTone(200, 140, 100))
	assert.False(t, isSkinTone(30, 30, 40), "dark background")
	assert.False(t, isSkinTone(200, 200, 200), "gray: no channel spread")
	assert.False(t, isSkinTone(100, 180, 90), "green dominant")
}
