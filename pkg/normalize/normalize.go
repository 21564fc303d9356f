// Package normalize performs Reinhard color normalization of tissue tiles in
// CIE Lab space.
//
// Each Lab channel of the source image is shifted and scaled so that its mean
// and standard deviation match a target NormalizationVector. The result is
// converted back to 8-bit sRGB.
package normalize

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"os"

	"gonum.org/v1/gonum/stat"

	"wsitiler/internal/models"
)

// ClampPolicy selects how chroma values below -128 are handled.
type ClampPolicy int

const (
	// ClampLegacy maps a and b values below -128 to +128. This matches
	// tiles produced by earlier runs of the dataset tooling.
	ClampLegacy ClampPolicy = iota

	// ClampSymmetric maps a and b values below -128 to -128.
	ClampSymmetric
)

// ParseClampPolicy maps a config value to a ClampPolicy.
func ParseClampPolicy(s string) (ClampPolicy, error) {
	switch s {
	case "", "legacy":
		return ClampLegacy, nil
	case "symmetric":
		return ClampSymmetric, nil
	default:
		return ClampLegacy, fmt.Errorf("unknown clamp policy %q", s)
	}
}

// minSpread is the standard deviation below which a channel is treated as
// constant.
const minSpread = 1e-9

type options struct {
	clamp ClampPolicy
}

// Option configures Normalize.
type Option func(*options)

// WithClampPolicy sets the chroma clamp policy. The default is ClampLegacy.
func WithClampPolicy(p ClampPolicy) Option {
	return func(o *options) {
		o.clamp = p
	}
}

// labPlanes holds the three Lab channels of an image as flat slices.
type labPlanes struct {
	width, height int
	ch            [3][]float64
}

func toLab(img image.Image) labPlanes {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	p := labPlanes{width: b.Dx(), height: b.Dy()}
	for i := range p.ch {
		p.ch[i] = make([]float64, n)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			lab := RGBToLab(c.R, c.G, c.B)
			p.ch[0][i] = lab.L
			p.ch[1][i] = lab.A
			p.ch[2][i] = lab.B
			i++
		}
	}
	return p
}

// Stats returns the Lab means and population standard deviations of img.
// A well stained reference tile gives a target vector for Normalize.
func Stats(img image.Image) models.NormalizationVector {
	var v models.NormalizationVector
	p := toLab(img)
	if len(p.ch[0]) == 0 {
		return v
	}
	for i := range p.ch {
		v[i], v[3+i] = stat.PopMeanStdDev(p.ch[i], nil)
	}
	return v
}

// Normalize returns an opaque copy of img whose Lab statistics match v.
// A channel with zero spread is set to the target mean.
func Normalize(img image.Image, v models.NormalizationVector, opts ...Option) *image.RGBA {
	o := options{clamp: ClampLegacy}
	for _, opt := range opts {
		opt(&o)
	}

	p := toLab(img)
	out := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	if len(p.ch[0]) == 0 {
		return out
	}

	for i := range p.ch {
		mean, std := stat.PopMeanStdDev(p.ch[i], nil)
		values := p.ch[i]
		for j, x := range values {
			if std < minSpread {
				values[j] = v.Mean(i)
			} else {
				values[j] = (x-mean)*(v.Std(i)/std) + v.Mean(i)
			}
		}
	}

	for j := range p.ch[0] {
		lab := Lab{
			L: clampL(p.ch[0][j]),
			A: clampChroma(p.ch[1][j], o.clamp),
			B: clampChroma(p.ch[2][j], o.clamp),
		}
		r, g, b := LabToRGB(lab)
		k := j * 4
		out.Pix[k] = r
		out.Pix[k+1] = g
		out.Pix[k+2] = b
		out.Pix[k+3] = 255
	}
	return out
}

func clampL(l float64) float64 {
	return min(max(l, 0), 100)
}

func clampChroma(c float64, p ClampPolicy) float64 {
	if c < -128 {
		if p == ClampSymmetric {
			return -128
		}
		return 128
	}
	return min(c, 127)
}

// NormalizeFile reads a tile, normalizes it and writes it as JPEG. A quality
// of 0 is written at the encoder minimum of 1.
func NormalizeFile(in, out string, v models.NormalizationVector, quality int, opts ...Option) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open tile: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode tile %s: %w", in, err)
	}

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create normalized tile: %w", err)
	}
	if err := jpeg.Encode(dst, Normalize(img, v, opts...), &jpeg.Options{Quality: max(1, quality)}); err != nil {
		dst.Close()
		return fmt.Errorf("encode normalized tile %s: %w", out, err)
	}
	return dst.Close()
}
