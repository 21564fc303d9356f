package normalize

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// D65 reference white
const (
	whiteX = 0.95047
	whiteY = 1.0
	whiteZ = 1.08883
)

// xyzFromRGB is the linear sRGB to CIE XYZ matrix.
var xyzFromRGB = mat.NewDense(3, 3, []float64{
	0.412453, 0.357580, 0.180423,
	0.212671, 0.715160, 0.072169,
	0.019334, 0.119193, 0.950227,
})

// rgbFromXYZ is the inverse of xyzFromRGB.
var rgbFromXYZ = func() *mat.Dense {
	var inv mat.Dense
	if err := inv.Inverse(xyzFromRGB); err != nil {
		panic("normalize: sRGB matrix is singular: " + err.Error())
	}
	return &inv
}()

// Lab is a CIE L*a*b* color.
type Lab struct {
	L, A, B float64
}

func linearize(c float64) float64 {
	if c > 0.04045 {
		return math.Pow((c+0.055)/1.055, 2.4)
	}
	return c / 12.92
}

func gammaEncode(c float64) float64 {
	if c > 0.0031308 {
		return 1.055*math.Pow(c, 1/2.4) - 0.055
	}
	return 12.92 * c
}

func labF(t float64) float64 {
	if t > 0.008856 {
		return math.Cbrt(t)
	}
	return 7.787*t + 16.0/116.0
}

func labFInv(t float64) float64 {
	if t > 0.2068966 {
		return t * t * t
	}
	return (t - 16.0/116.0) / 7.787
}

func mulVec(m *mat.Dense, a, b, c float64) (float64, float64, float64) {
	return m.At(0, 0)*a + m.At(0, 1)*b + m.At(0, 2)*c,
		m.At(1, 0)*a + m.At(1, 1)*b + m.At(1, 2)*c,
		m.At(2, 0)*a + m.At(2, 1)*b + m.At(2, 2)*c
}

// RGBToLab converts 8-bit sRGB to Lab.
func RGBToLab(r, g, b uint8) Lab {
	lr := linearize(float64(r) / 255)
	lg := linearize(float64(g) / 255)
	lb := linearize(float64(b) / 255)

	x, y, z := mulVec(xyzFromRGB, lr, lg, lb)
	fx := labF(x / whiteX)
	fy := labF(y / whiteY)
	fz := labF(z / whiteZ)

	return Lab{
		L: 116*fy - 16,
		A: 500 * (fx - fy),
		B: 200 * (fy - fz),
	}
}

// LabToRGB converts Lab back to 8-bit sRGB. Out of gamut values are clipped
// and each channel is rounded to the nearest integer.
func LabToRGB(c Lab) (uint8, uint8, uint8) {
	fy := (c.L + 16) / 116
	fx := c.A/500 + fy
	fz := max(fy-c.B/200, 0)

	x := labFInv(fx) * whiteX
	y := labFInv(fy) * whiteY
	z := labFInv(fz) * whiteZ

	lr, lg, lb := mulVec(rgbFromXYZ, x, y, z)
	return to8(gammaEncode(lr)), to8(gammaEncode(lg)), to8(gammaEncode(lb))
}

func to8(c float64) uint8 {
	if math.IsNaN(c) || c <= 0 {
		return 0
	}
	if c >= 1 {
		return 255
	}
	return uint8(math.Round(c * 255))
}
