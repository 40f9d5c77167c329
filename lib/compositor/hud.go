package compositor

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	hudBackdrop             = color.NRGBA{0, 0, 0, 160}
	hudText     color.Color = color.White
	hudWarn     color.Color = color.RGBA{0xff, 0x60, 0x40, 0xff}
)

// HUDLine is one line of overlay text.
type HUDLine struct {
	Text string
	Warn bool
}

// DrawHUD writes lines into the top-left corner of dst over a translucent
// backdrop. It is only ever applied to preview copies.
func DrawHUD(dst draw.Image, lines []HUDLine) {
	if len(lines) == 0 {
		return
	}
	face := basicfont.Face7x13
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	const pad = 4

	width := 0
	for _, l := range lines {
		width = max(width, font.MeasureString(face, l.Text).Ceil())
	}
	b := dst.Bounds()
	box := image.Rect(b.Min.X, b.Min.Y, b.Min.X+width+2*pad, b.Min.Y+lineHeight*len(lines)+2*pad).Intersect(b)
	draw.Draw(dst, box, &image.Uniform{hudBackdrop}, image.Point{}, draw.Over)

	for i, l := range lines {
		fg := hudText
		if l.Warn {
			fg = hudWarn
		}
		d := &font.Drawer{
			Dst:  dst,
			Src:  &image.Uniform{fg},
			Face: face,
			Dot:  fixed.P(b.Min.X+pad, b.Min.Y+pad+i*lineHeight+metrics.Ascent.Ceil()),
		}
		d.DrawString(l.Text)
	}
}
