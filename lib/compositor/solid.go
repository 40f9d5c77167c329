package compositor

import (
	"image"
	"image/color"
	"image/draw"

	"vjrun/lib/show"
)

// Palette colours the test-pattern layers, indexed by layer id.
var Palette = []color.NRGBA{
	{220, 50, 50, 255},
	{50, 180, 50, 255},
	{50, 100, 220, 255},
	{220, 160, 30, 255},
	{180, 50, 180, 255},
	{50, 180, 180, 255},
	{220, 120, 50, 255},
	{100, 100, 200, 255},
}

type solidSource struct {
	img *image.NRGBA
}

func (s *solidSource) Next() (*image.NRGBA, error) { return s.img, nil }
func (s *solidSource) Close() error                { return nil }

// PaletteOpener opens every layer as an endless solid frame in its
// palette colour, ignoring the layer source. Device tools use it to run
// the engine without video.
func PaletteOpener(width, height int) Opener {
	return func(l show.Layer) (Source, error) {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		c := Palette[l.ID%len(Palette)]
		draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
		return &solidSource{img: img}, nil
	}
}
