package tiler

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
)

// BackgroundThreshold is the luminance at and above which a pixel counts as
// background.
const BackgroundThreshold = 230

// Decision is the outcome of filtering one tile.
type Decision int

const (
	Written Decision = iota
	RejectedBackground
	RejectedSize
)

func (d Decision) String() string {
	switch d {
	case Written:
		return "written"
	case RejectedBackground:
		return "background"
	case RejectedSize:
		return "size"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Luminance converts an 8-bit RGB triple to ITU-R 601-2 luma, rounding the
// same way common imaging libraries do in fixed point.
func Luminance(r, g, b uint8) uint8 {
	return uint8((uint32(r)*19595 + uint32(g)*38470 + uint32(b)*7471 + 0x8000) >> 16)
}

// BackgroundFraction returns the share of pixels whose luminance is at or
// above BackgroundThreshold. An empty image is all background.
func BackgroundFraction(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total <= 0 {
		return 1
	}

	background := 0
	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				if Luminance(row[i], row[i+1], row[i+2]) >= BackgroundThreshold {
					background++
				}
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				if Luminance(c.R, c.G, c.B) >= BackgroundThreshold {
					background++
				}
			}
		}
	}

	return float64(background) / float64(total)
}

// ExpectedPixels returns the pixel count of a full tile with overlap on both
// sides.
func ExpectedPixels(tileSize, overlap int) int {
	edge := tileSize + 2*overlap
	return edge * edge
}

// Filter decides whether a tile is kept without writing it. The size check
// runs first; a tile failing both checks reports RejectedSize.
func (t *Tiler) Filter(tile image.Image) Decision {
	b := tile.Bounds()
	if b.Dx()*b.Dy()-ExpectedPixels(t.cfg.TileSize, t.cfg.Overlap) != 0 {
		return RejectedSize
	}
	if BackgroundFraction(tile) > t.cfg.BackgroundLimit/100.0 {
		return RejectedBackground
	}
	return Written
}

// ConvertAndSaveTile writes the tile to outfile as JPEG if it passes Filter.
// Rejected tiles are dropped silently. Quality 0 is raised to 1.
func (t *Tiler) ConvertAndSaveTile(tile image.Image, outfile string) (Decision, error) {
	d := t.Filter(tile)
	if d != Written {
		return d, nil
	}

	if err := writeJPEG(outfile, tile, t.cfg.Quality); err != nil {
		return d, err
	}
	return d, nil
}

func writeJPEG(path string, img image.Image, quality int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tile file: %w", err)
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: max(1, quality)}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode tile %s: %w", path, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close tile file %s: %w", path, err)
	}
	return nil
}
