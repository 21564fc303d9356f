// Package tiler cuts DeepZoom pyramids into fixed-size JPEG tiles.
//
// Process visits every level of a pyramid from the finest to the coarsest,
// row by row, and writes each tile that is full sized and mostly tissue to
// row<R>-col<C>.jpg. The tiler does not log; it reports what it did through
// Stats.
package tiler

import (
	"fmt"
	"os"
	"path/filepath"

	"wsitiler/internal/models"
	"wsitiler/pkg/slide"
)

// Stats counts the tile decisions of one Process call.
type Stats struct {
	Written            int
	RejectedBackground int
	RejectedSize       int
}

// Total returns the number of tiles visited.
func (s Stats) Total() int {
	return s.Written + s.RejectedBackground + s.RejectedSize
}

func (s *Stats) add(d Decision) {
	switch d {
	case Written:
		s.Written++
	case RejectedBackground:
		s.RejectedBackground++
	case RejectedSize:
		s.RejectedSize++
	}
}

// Tiler holds an immutable tiling configuration. It is safe to share between
// goroutines.
type Tiler struct {
	cfg models.TilerConfig
}

// New validates cfg and returns a Tiler for it.
func New(cfg models.TilerConfig) (*Tiler, error) {
	if cfg.TileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", cfg.TileSize)
	}
	if cfg.Overlap < 0 {
		return nil, fmt.Errorf("overlap must be non-negative, got %d", cfg.Overlap)
	}
	if cfg.Quality < 0 || cfg.Quality > 100 {
		return nil, fmt.Errorf("quality must be within 0-100, got %d", cfg.Quality)
	}
	if cfg.BackgroundLimit < 0 || cfg.BackgroundLimit > 100 {
		return nil, fmt.Errorf("background limit must be within 0-100, got %g", cfg.BackgroundLimit)
	}
	if cfg.LevelLayout == "" {
		cfg.LevelLayout = models.LayoutFlat
	}
	if cfg.LevelLayout != models.LayoutFlat && cfg.LevelLayout != models.LayoutPerLevel {
		return nil, fmt.Errorf("unknown level layout %q", cfg.LevelLayout)
	}
	return &Tiler{cfg: cfg}, nil
}

// Config returns the tiler's configuration.
func (t *Tiler) Config() models.TilerConfig {
	return t.cfg
}

// SlideOptions returns the pyramid geometry matching this tiler.
func (t *Tiler) SlideOptions() slide.Options {
	return slide.Options{
		TileSize:    t.cfg.TileSize,
		Overlap:     t.cfg.Overlap,
		LimitBounds: t.cfg.LimitBounds,
	}
}

// TileFileName returns the file name of the tile at (row, col).
func TileFileName(row, col int) string {
	return fmt.Sprintf("row%d-col%d.jpg", row, col)
}

// TilePath returns where the tile of a request is written under outputDir.
// In the flat layout the level is not part of the path.
func (t *Tiler) TilePath(outputDir string, req models.TileRequest) string {
	if t.cfg.LevelLayout == models.LayoutPerLevel {
		return filepath.Join(outputDir, fmt.Sprintf("level%d", req.Level), TileFileName(req.Row, req.Col))
	}
	return filepath.Join(outputDir, TileFileName(req.Row, req.Col))
}

// Walk fetches every tile of p in tiling order: levels from LevelCount()-1
// down to 0, rows top to bottom, columns left to right. It stops at the first
// error from the pyramid or from fn.
func Walk(p slide.Pyramid, fn func(models.Tile) error) error {
	for level := p.LevelCount() - 1; level >= 0; level-- {
		cols, rows := p.LevelTiles(level)
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				img, err := p.Tile(level, col, row)
				if err != nil {
					return fmt.Errorf("tile level=%d col=%d row=%d: %w", level, col, row, err)
				}

				tile := models.Tile{
					Image:       img,
					TileRequest: models.TileRequest{Level: level, Col: col, Row: row},
				}
				if err := fn(tile); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Process tiles every level of p into outputDir in Walk order. A failing
// tile fetch or write stops processing and is returned with the tile address;
// tiles written before it stay on disk.
func (t *Tiler) Process(p slide.Pyramid, outputDir string) (Stats, error) {
	var stats Stats

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create output directory: %w", err)
	}

	if t.cfg.LevelLayout == models.LayoutPerLevel {
		for level := 0; level < p.LevelCount(); level++ {
			if err := os.MkdirAll(filepath.Join(outputDir, fmt.Sprintf("level%d", level)), 0755); err != nil {
				return stats, fmt.Errorf("failed to create level directory: %w", err)
			}
		}
	}

	err := Walk(p, func(tile models.Tile) error {
		d, err := t.ConvertAndSaveTile(tile.Image, t.TilePath(outputDir, tile.TileRequest))
		if err != nil {
			return fmt.Errorf("tile level=%d col=%d row=%d: %w", tile.Level, tile.Col, tile.Row, err)
		}
		stats.add(d)
		return nil
	})

	return stats, err
}
