package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"wsitiler/pkg/slide"
)

// Viewer renders whole pyramid levels of a slide as single images, for a
// quick look at a slide next to its tiles.
type Viewer struct {
	// pyramid is the slide being viewed
	pyramid slide.Pyramid

	// tileSize and overlap give the tile grid geometry of the pyramid
	tileSize int
	overlap  int
}

// NewViewer creates a viewer over p. tileSize and overlap must be the values
// the pyramid was opened with.
func NewViewer(p slide.Pyramid, tileSize, overlap int) *Viewer {
	return &Viewer{
		pyramid:  p,
		tileSize: tileSize,
		overlap:  overlap,
	}
}

// OverviewLevel returns the finest level whose width and height both fit in
// maxEdge. Level 0 is returned when none fits.
func (v *Viewer) OverviewLevel(maxEdge int) int {
	for level := v.pyramid.LevelCount() - 1; level > 0; level-- {
		w, h := v.pyramid.LevelDimensions(level)
		if w <= maxEdge && h <= maxEdge {
			return level
		}
	}
	return 0
}

// ExtractLevel stitches every tile of a level into one image the size of the
// level.
func (v *Viewer) ExtractLevel(level int) (image.Image, error) {
	if level < 0 || level >= v.pyramid.LevelCount() {
		return nil, fmt.Errorf("level %d out of range [0,%d)", level, v.pyramid.LevelCount())
	}

	w, h := v.pyramid.LevelDimensions(level)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	cols, rows := v.pyramid.LevelTiles(level)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tile, err := v.pyramid.Tile(level, col, row)
			if err != nil {
				return nil, fmt.Errorf("tile level=%d col=%d row=%d: %w", level, col, row, err)
			}

			// Tiles past the first in a row or column start overlap pixels early
			origin := image.Pt(v.tileSize*col, v.tileSize*row)
			if col > 0 {
				origin.X -= v.overlap
			}
			if row > 0 {
				origin.Y -= v.overlap
			}

			dst := image.Rectangle{Min: origin, Max: origin.Add(tile.Bounds().Size())}
			draw.Draw(img, dst, tile, tile.Bounds().Min, draw.Src)
		}
	}

	return img, nil
}

// SaveLevel saves an extracted level as a JPEG image
func (v *Viewer) SaveLevel(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveOverview renders the level chosen by OverviewLevel and writes it to
// filename, creating parent directories as needed.
func (v *Viewer) SaveOverview(maxEdge int, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	img, err := v.ExtractLevel(v.OverviewLevel(maxEdge))
	if err != nil {
		return err
	}

	return v.SaveLevel(img, filename)
}
