package streamdeck

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"log/slog"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vjrun/lib/engine"
	"vjrun/lib/envelope"
	"vjrun/lib/show"
	"vjrun/lib/trigger"
)

// Keys is the part of Device a Pad needs.
type Keys interface {
	Model() *Model
	SetKeyImage(key int, img image.Image) error
	ReadKeys(ch chan<- KeyEvent) error
}

var (
	colorIdle      = color.RGBA{40, 40, 40, 255}
	colorActive    = color.RGBA{50, 180, 50, 255}
	colorRelease   = color.RGBA{220, 160, 30, 255}
	colorBase      = color.RGBA{50, 100, 220, 255}
	colorOffline   = color.RGBA{220, 50, 50, 255}
	colorPanic     = color.RGBA{120, 0, 0, 255}
	colorTriggered = color.RGBA{120, 240, 120, 255}
	colorState     = color.RGBA{210, 210, 210, 255}
)

type face struct {
	bg    color.RGBA
	label string
	state string
}

// render draws the label over the state, both centred, on a size x size
// key. A label wider than the key is cut to fit.
func (f face) render(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(f.bg), image.Point{}, draw.Src)

	ff := basicfont.Face7x13
	m := ff.Metrics()
	lh := m.Height.Ceil()
	y := (size-2*lh)/2 + m.Ascent.Ceil()
	for i, line := range []struct {
		text string
		c    color.Color
	}{{f.label, color.White}, {f.state, colorState}} {
		text := line.text
		for text != "" && font.MeasureString(ff, text).Ceil() > size {
			text = text[:len(text)-1]
		}
		w := font.MeasureString(ff, text).Ceil()
		d := font.Drawer{Dst: img, Src: image.NewUniform(line.c), Face: ff, Dot: fixed.P((size-w)/2, y+i*lh)}
		d.DrawString(text)
	}
	return img
}

// Pad maps key i to layer i. When the device has more keys than there are
// layers, the last key is panic.
type Pad struct {
	keys     Keys
	layers   []show.Layer
	panicKey int
	latest   chan []engine.LayerStatus
	faces    []face
}

func NewPad(keys Keys, layers []show.Layer) *Pad {
	n := keys.Model().Keys
	p := &Pad{
		keys:     keys,
		layers:   layers,
		panicKey: -1,
		latest:   make(chan []engine.LayerStatus, 1),
		faces:    make([]face, n),
	}
	if n > len(layers) {
		p.panicKey = n - 1
	}
	return p
}

// Update hands a snapshot to Run without blocking.
func (p *Pad) Update(st []engine.LayerStatus) {
	select {
	case <-p.latest:
	default:
	}
	select {
	case p.latest <- st:
	default:
	}
}

// Run draws the pad and forwards key presses to push until ctx is done or
// the device fails.
func (p *Pad) Run(ctx context.Context, push func(trigger.Input) bool) error {
	p.drawStatic()

	keys := make(chan KeyEvent, 64)
	readErr := make(chan error, 1)
	go func() {
		readErr <- p.keys.ReadKeys(keys)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case ev := <-keys:
			if in := p.input(ev); in != nil {
				push(in)
			}
		case st := <-p.latest:
			p.draw(st)
		}
	}
}

func (p *Pad) input(ev KeyEvent) trigger.Input {
	switch {
	case ev.Key == p.panicKey:
		if ev.Pressed {
			return trigger.PanicInput{}
		}
	case ev.Key < len(p.layers):
		return trigger.PressInput{Layer: ev.Key, Pressed: ev.Pressed}
	}
	return nil
}

func (p *Pad) drawStatic() {
	for i := range p.faces {
		f := face{bg: color.RGBA{0, 0, 0, 255}}
		switch {
		case i == p.panicKey:
			f = face{bg: colorPanic, label: "PANIC"}
		case i < len(p.layers):
			f = face{bg: colorIdle, label: p.layers[i].Label(), state: "idle"}
		}
		p.set(i, f)
	}
}

// draw repaints only keys whose face changed.
func (p *Pad) draw(st []engine.LayerStatus) {
	for _, s := range st {
		if s.ID < 0 || s.ID >= len(p.faces) || s.ID == p.panicKey {
			continue
		}
		p.set(s.ID, faceFor(s))
	}
}

func (p *Pad) set(key int, f face) {
	if p.faces[key] == f {
		return
	}
	if err := p.keys.SetKeyImage(key, f.render(p.keys.Model().KeySize)); err != nil {
		slog.Warn("stream deck key update failed", "key", key, "error", err)
		return
	}
	p.faces[key] = f
}

func faceFor(s engine.LayerStatus) face {
	f := face{label: s.Label, state: s.Phase.String(), bg: colorIdle}
	switch {
	case s.Err != nil:
		f.bg, f.state = colorOffline, "offline"
	case s.AlwaysOn:
		f.bg, f.state = colorBase, "base"
	case s.Triggered:
		f.bg = colorTriggered
	case s.Phase == envelope.Release:
		f.bg = colorRelease
	case s.Active():
		f.bg = colorActive
	}
	return f
}
