package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // register the PNG decoder for surface uploads
	"io"
	"sync"

	"golang.org/x/image/draw"
)

const (
	// DefaultSurfaceWidth and DefaultSurfaceHeight size a new blank surface.
	DefaultSurfaceWidth  = 1024
	DefaultSurfaceHeight = 768

	// DefaultMaxFrameWidth caps the width of encoded snapshots.
	DefaultMaxFrameWidth = 768

	// DefaultJPEGQuality is the JPEG quality of encoded snapshots.
	DefaultJPEGQuality = 80
)

// SurfaceOption configures a [Surface].
type SurfaceOption func(*Surface)

// WithSurfaceEncoding sets the maximum snapshot width and JPEG quality.
// Non-positive values keep the defaults.
func WithSurfaceEncoding(maxWidth, quality int) SurfaceOption {
	return func(s *Surface) {
		if maxWidth > 0 {
			s.maxWidth = maxWidth
		}
		if quality > 0 {
			s.quality = quality
		}
	}
}

// Surface is the drawing surface: a bitmap that an external drawing client
// replaces as the user paints. Snapshots are cached until the bitmap
// changes. It is safe for concurrent use.
type Surface struct {
	maxWidth int
	quality  int

	mu      sync.Mutex
	img     *image.RGBA
	version uint64
	encoded []byte
	encVer  uint64
}

// NewSurface creates a blank white surface of the given size.
func NewSurface(width, height int, opts ...SurfaceOption) *Surface {
	s := &Surface{
		maxWidth: DefaultMaxFrameWidth,
		quality:  DefaultJPEGQuality,
		img:      image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1))),
		version:  1,
	}
	for _, o := range opts {
		o(s)
	}
	fill(s.img, color.White)
	return s
}

// Bounds returns the current bitmap bounds.
func (s *Surface) Bounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img.Bounds()
}

// Version increases each time the bitmap changes.
func (s *Surface) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Replace copies img into the surface, adopting its size.
func (s *Surface) Replace(img image.Image) {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	s.mu.Lock()
	s.img = dst
	s.version++
	s.mu.Unlock()
}

// Decode reads a PNG or JPEG image from r and replaces the surface with it.
func (s *Surface) Decode(r io.Reader) error {
	img, format, err := image.Decode(r)
	if err != nil {
		return fmt.Errorf("capture: decode surface image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return fmt.Errorf("capture: unsupported surface image format %q", format)
	}
	s.Replace(img)
	return nil
}

// Clear paints the whole surface white.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fill(s.img, color.White)
	s.version++
}

// Snapshot returns the surface encoded as JPEG. The surface is always ready,
// so it never returns nil without an error.
func (s *Surface) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoded != nil && s.encVer == s.version {
		return s.encoded, nil
	}
	data, err := encodeJPEG(s.img, s.maxWidth, s.quality)
	if err != nil {
		return nil, err
	}
	s.encoded, s.encVer = data, s.version
	return data, nil
}

func fill(img *image.RGBA, c color.Color) {
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// encodeJPEG downscales img to at most maxWidth pixels wide, keeping its
// aspect ratio, and encodes it as JPEG.
func encodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := max(b.Dy()*maxWidth/b.Dx(), 1)
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	quality = min(max(quality, 1), 100)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("capture: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
