package slide

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Opener opens a slide file as a pyramid. The pipeline takes an Opener so
// other slide readers can be plugged in.
type Opener func(path string, opts Options) (Pyramid, error)

// Open decodes a raster slide file and wraps it in a DeepZoom pyramid.
// Any format registered with the image package can be read; JPEG, PNG, GIF,
// TIFF, BMP and WebP are registered by this package.
func Open(path string, opts Options) (Pyramid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open slide: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode slide %s: %w", path, err)
	}

	z, err := NewDeepZoom(img, opts)
	if err != nil {
		return nil, fmt.Errorf("build pyramid for %s (%s): %w", path, format, err)
	}
	return z, nil
}
