// Package slide exposes whole-slide images as DeepZoom tile pyramids.
//
// A Pyramid answers two questions: how many tiles each resolution level has,
// and what the pixels of tile (col, row) at level L are. Level 0 is a single
// pixel; level LevelCount()-1 is the full resolution image. Each level is half
// the size of the next one, rounded up.
//
// Tiles carry Overlap extra pixels on every edge they share with a neighbour,
// so interior tiles are TileSize+2*Overlap pixels square while tiles on the
// border of a level are smaller.
package slide

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

var (
	// ErrClosed is returned by Tile after Close.
	ErrClosed = errors.New("slide: pyramid is closed")

	// ErrOutOfRange is returned for a level or tile address outside the pyramid.
	ErrOutOfRange = errors.New("slide: tile address out of range")

	// ErrEmpty is returned when a slide has no visible pixels.
	ErrEmpty = errors.New("slide: image has no visible pixels")
)

// Pyramid is a multi-resolution tiled view of one slide.
// Implementations are not safe for concurrent use; a pyramid belongs to the
// worker that opened it.
type Pyramid interface {
	// LevelCount returns the number of levels.
	LevelCount() int

	// LevelTiles returns the tile grid size of a level.
	LevelTiles(level int) (cols, rows int)

	// LevelDimensions returns the pixel size of a level.
	LevelDimensions(level int) (width, height int)

	// Tile returns the pixels of one tile.
	Tile(level, col, row int) (image.Image, error)

	// Close releases the decoded levels.
	Close() error
}

// Options configures the tile geometry of a DeepZoom pyramid.
type Options struct {
	TileSize    int
	Overlap     int
	LimitBounds bool
}

func (o Options) validate() error {
	if o.TileSize <= 0 {
		return fmt.Errorf("slide: tile size must be positive, got %d", o.TileSize)
	}
	if o.Overlap < 0 {
		return fmt.Errorf("slide: overlap must be non-negative, got %d", o.Overlap)
	}
	return nil
}

// DeepZoom is a Pyramid built over a decoded raster image. The full
// resolution level is kept in memory and coarser levels are derived lazily by
// halving the next finer level.
type DeepZoom struct {
	tileSize int
	overlap  int

	// dims[i] is the pixel size of level i, tiles[i] its grid size
	dims  []image.Point
	tiles []image.Point

	// levels[i] is nil until level i is first requested
	levels []*image.RGBA
	closed bool
}

// NewDeepZoom builds a pyramid over img. Transparent pixels are composited
// onto white. With LimitBounds set the pyramid covers only the bounding box of
// non-transparent pixels.
func NewDeepZoom(img image.Image, opts Options) (*DeepZoom, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if opts.LimitBounds {
		bounds = VisibleBounds(img)
	}
	if bounds.Empty() {
		return nil, ErrEmpty
	}

	base := flatten(img, bounds)

	dims := levelDimensions(bounds.Dx(), bounds.Dy())
	tiles := make([]image.Point, len(dims))
	for i, d := range dims {
		tiles[i] = image.Pt(ceilDiv(d.X, opts.TileSize), ceilDiv(d.Y, opts.TileSize))
	}

	levels := make([]*image.RGBA, len(dims))
	levels[len(levels)-1] = base

	return &DeepZoom{
		tileSize: opts.TileSize,
		overlap:  opts.Overlap,
		dims:     dims,
		tiles:    tiles,
		levels:   levels,
	}, nil
}

// LevelCount implements Pyramid.
func (z *DeepZoom) LevelCount() int {
	return len(z.dims)
}

// LevelTiles implements Pyramid. Out of range levels report an empty grid.
func (z *DeepZoom) LevelTiles(level int) (cols, rows int) {
	if level < 0 || level >= len(z.tiles) {
		return 0, 0
	}
	t := z.tiles[level]
	return t.X, t.Y
}

// LevelDimensions implements Pyramid.
func (z *DeepZoom) LevelDimensions(level int) (width, height int) {
	if level < 0 || level >= len(z.dims) {
		return 0, 0
	}
	d := z.dims[level]
	return d.X, d.Y
}

// TileBounds returns the region of the level image covered by a tile,
// including overlap. It may extend past the level edge when overlap is larger
// than the last tile of a row or column.
func (z *DeepZoom) TileBounds(level, col, row int) (image.Rectangle, error) {
	if level < 0 || level >= len(z.dims) {
		return image.Rectangle{}, fmt.Errorf("%w: level %d of %d", ErrOutOfRange, level, len(z.dims))
	}
	t := z.tiles[level]
	if col < 0 || row < 0 || col >= t.X || row >= t.Y {
		return image.Rectangle{}, fmt.Errorf("%w: tile (%d,%d) at level %d with grid %dx%d",
			ErrOutOfRange, col, row, level, t.X, t.Y)
	}

	d := z.dims[level]
	x0, w := z.axisSpan(col, t.X, d.X)
	y0, h := z.axisSpan(row, t.Y, d.Y)
	return image.Rect(x0, y0, x0+w, y0+h), nil
}

// axisSpan returns the start and length of tile index i along one axis.
func (z *DeepZoom) axisSpan(i, count, limit int) (start, length int) {
	before, after := 0, 0
	if i != 0 {
		before = z.overlap
	}
	if i != count-1 {
		after = z.overlap
	}
	start = z.tileSize*i - before
	length = min(z.tileSize, limit-z.tileSize*i) + before + after
	return start, length
}

// Tile implements Pyramid. The returned image is a fresh copy with its origin
// at (0, 0); callers may modify it.
func (z *DeepZoom) Tile(level, col, row int) (image.Image, error) {
	if z.closed {
		return nil, ErrClosed
	}

	r, err := z.TileBounds(level, col, row)
	if err != nil {
		return nil, err
	}

	src := z.level(level)
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	if !r.In(src.Bounds()) {
		draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	}
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)

	return dst, nil
}

// Close implements Pyramid.
func (z *DeepZoom) Close() error {
	z.closed = true
	z.levels = nil
	return nil
}

// level returns the image of a level, deriving it from the next finer level
// on first use.
func (z *DeepZoom) level(level int) *image.RGBA {
	if img := z.levels[level]; img != nil {
		return img
	}

	finer := z.level(level + 1)
	d := z.dims[level]
	img := image.NewRGBA(image.Rect(0, 0, d.X, d.Y))
	draw.BiLinear.Scale(img, img.Bounds(), finer, finer.Bounds(), draw.Src, nil)

	z.levels[level] = img
	return img
}

// levelDimensions returns the DeepZoom level sizes from 1x1 up to w x h.
func levelDimensions(w, h int) []image.Point {
	dims := []image.Point{image.Pt(w, h)}
	for w > 1 || h > 1 {
		w = max(1, ceilDiv(w, 2))
		h = max(1, ceilDiv(h, 2))
		dims = append(dims, image.Pt(w, h))
	}

	for i, j := 0, len(dims)-1; i < j; i, j = i+1, j-1 {
		dims[i], dims[j] = dims[j], dims[i]
	}
	return dims
}

// VisibleBounds returns the bounding box of pixels with non-zero alpha.
// Opaque images return their full bounds.
func VisibleBounds(img image.Image) image.Rectangle {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img.Bounds()
	}

	b := img.Bounds()
	found := image.Rectangle{}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
				continue
			}
			found = found.Union(image.Rect(x, y, x+1, y+1))
		}
	}
	return found
}

// flatten copies the region r of img into an opaque RGBA image with its
// origin at (0, 0), compositing onto white.
func flatten(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Over)
	return dst
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
