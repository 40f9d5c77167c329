package compositor

import (
	"image"
	"math"

	"vjrun/lib/show"
)

type blendFunc func(d, c float64) float64

var blendFuncs = map[show.BlendMode]blendFunc{
	show.Normal:     func(d, c float64) float64 { return c },
	show.Multiply:   func(d, c float64) float64 { return d * c },
	show.Screen:     func(d, c float64) float64 { return 1 - (1-d)*(1-c) },
	show.Add:        func(d, c float64) float64 { return min(1, d+c) },
	show.Lighten:    func(d, c float64) float64 { return max(d, c) },
	show.Darken:     func(d, c float64) float64 { return min(d, c) },
	show.Difference: func(d, c float64) float64 { return math.Abs(d - c) },
}

// blend mixes src over the opaque accumulator dst:
// out = d*(1-a) + B(d,c)*a, with a = srcAlpha*amount.
// Both images must have the same bounds.
func blend(dst *image.RGBA, src *image.NRGBA, mode show.BlendMode, amount float64) {
	if amount <= 0 {
		return
	}
	fn := blendFuncs[mode]
	if fn == nil {
		fn = blendFuncs[show.Normal]
	}
	b := dst.Bounds()
	w := b.Dx() * 4
	for y := 0; y < b.Dy(); y++ {
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		srow := src.Pix[y*src.Stride : y*src.Stride+w]
		for i := 0; i < w; i += 4 {
			a := float64(srow[i+3]) / 255 * amount
			if a <= 0 {
				continue
			}
			for c := range 3 {
				d := float64(drow[i+c]) / 255
				v := d*(1-a) + fn(d, float64(srow[i+c])/255)*a
				drow[i+c] = to8(v)
			}
			drow[i+3] = 0xff
		}
	}
}

// fadeBlack fades the accumulator toward black by amount.
func fadeBlack(dst *image.RGBA, amount float64) {
	if amount <= 0 {
		return
	}
	k := 1 - min(1, amount)
	for i := 0; i < len(dst.Pix); i += 4 {
		for c := range 3 {
			dst.Pix[i+c] = to8(float64(dst.Pix[i+c]) / 255 * k)
		}
	}
}

func to8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}
