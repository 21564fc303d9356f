package models

import (
	"image"
)

// Label is the class a slide is filed under in the output tree.
type Label string

const (
	LabelTumor  Label = "tumor"
	LabelNormal Label = "normal"
)

// Target returns the annotation target for the label: 1 for tumor, 0 for normal.
func (l Label) Target() int {
	if l == LabelTumor {
		return 1
	}
	return 0
}

// LevelLayout controls where tiles from different pyramid levels are written.
type LevelLayout string

const (
	// LayoutFlat writes every level into the same directory. Tiles of coarser
	// levels overwrite finer tiles that share a (row, col) name.
	LayoutFlat LevelLayout = "flat"

	// LayoutPerLevel writes each level into its own level<N> subdirectory.
	LayoutPerLevel LevelLayout = "per-level"
)

// TilerConfig holds the tiling parameters. It is validated once and then
// copied into every work item.
type TilerConfig struct {
	// TileSize is the edge of a square tile before overlap, in pixels
	TileSize int

	// Overlap is the number of extra pixels added on each shared tile edge
	Overlap int

	// Quality is the JPEG quality of written tiles (0-100); 0 is written at
	// the encoder minimum of 1
	Quality int

	// BackgroundLimit is the maximum background percentage of a kept tile (0-100)
	BackgroundLimit float64

	// LimitBounds crops the pyramid to the slide's non-empty region
	LimitBounds bool

	// LevelLayout selects the output directory layout across levels
	LevelLayout LevelLayout
}

// TileRequest addresses one tile of one pyramid level.
type TileRequest struct {
	Level int
	Col   int
	Row   int
}

// Tile is a fetched tile together with its grid address.
type Tile struct {
	Image image.Image
	TileRequest
}

// NormalizationVector holds the target Lab statistics: means for L, a, b
// followed by standard deviations for L, a, b.
type NormalizationVector [6]float64

// Mean returns the target mean of channel i.
func (v NormalizationVector) Mean(i int) float64 { return v[i] }

// Std returns the target standard deviation of channel i.
func (v NormalizationVector) Std(i int) float64 { return v[3+i] }

// LabelLookup resolves a slide file id to its label.
type LabelLookup interface {
	Classify(fileID string) (Label, error)
}

// SlideWorkItem is one unit of work for the slide pool.
type SlideWorkItem struct {
	// Tiler is the tiling configuration shared by all items of a run
	Tiler TilerConfig

	// SlideDir is the directory holding the slide file; its base name is the file id
	SlideDir string

	// Labels is the read-only label mapping shared by all items of a run
	Labels LabelLookup

	// OutputRoot is the dataset root; tiles go to OutputRoot/<label>/<file id>
	OutputRoot string
}
