// Package preview shows the composited output in a window and feeds the
// keyboard into the engine's input queue. The window's update rate is the
// show's frame clock: every Update is exactly one engine tick.
package preview

import (
	"image"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"vjrun/lib/compositor"
	"vjrun/lib/engine"
	"vjrun/lib/trigger"
)

// KeyHUD toggles the overlay. It is handled here and never reaches the
// router.
const KeyHUD = "f12"

type Options struct {
	Title string
	// Scale sizes the window relative to the output resolution.
	Scale float64
	HUD   bool
	// OnTick runs on the render loop after every tick.
	OnTick func(t engine.Tick)
}

type Game struct {
	eng   *engine.Engine
	queue *engine.Queue
	opts  Options

	view    *image.RGBA
	tex     *ebiten.Image
	hud     bool
	stopped atomic.Bool

	pressed  []ebiten.Key
	released []ebiten.Key
}

func New(eng *engine.Engine, queue *engine.Queue, opts Options) *Game {
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	return &Game{
		eng:   eng,
		queue: queue,
		opts:  opts,
		view:  image.NewRGBA(eng.Bounds()),
		hud:   opts.HUD,
	}
}

// Stop ends the game loop at the next update. Safe from any goroutine.
func (g *Game) Stop() {
	g.stopped.Store(true)
}

func (g *Game) Update() error {
	if g.stopped.Load() {
		return ebiten.Termination
	}

	g.pressed = inpututil.AppendJustPressedKeys(g.pressed[:0])
	g.released = inpututil.AppendJustReleasedKeys(g.released[:0])
	for _, in := range g.keyInputs(g.pressed, g.released, currentMods()) {
		g.queue.Push(in)
	}

	t := g.eng.Tick()
	copy(g.view.Pix, t.Image.Pix)
	if g.hud {
		compositor.DrawHUD(g.view, g.eng.HUD())
	}
	if g.opts.OnTick != nil {
		g.opts.OnTick(t)
	}
	for _, act := range t.Actions {
		if act == trigger.Quit {
			slog.Info("quit requested", "frame", t.Frame)
			return ebiten.Termination
		}
	}
	return nil
}

// keyInputs converts this update's key transitions to trigger inputs. The
// HUD key is consumed locally.
func (g *Game) keyInputs(pressed, released []ebiten.Key, mods trigger.Mod) []trigger.Input {
	var out []trigger.Input
	for _, k := range pressed {
		name := KeyName(k)
		if name == KeyHUD && mods == 0 {
			g.hud = !g.hud
			continue
		}
		out = append(out, trigger.KeyInput{Key: name, Mods: mods, Pressed: true})
	}
	for _, k := range released {
		name := KeyName(k)
		if name == KeyHUD {
			continue
		}
		out = append(out, trigger.KeyInput{Key: name, Mods: mods})
	}
	return out
}

// KeyName returns the router's name for an ebiten key: "a", "1", "f1",
// "escape", "backspace".
func KeyName(k ebiten.Key) string {
	return trigger.NormalizeKey(k.String())
}

func currentMods() trigger.Mod {
	var m trigger.Mod
	if ebiten.IsKeyPressed(ebiten.KeyControl) || ebiten.IsKeyPressed(ebiten.KeyMeta) {
		m |= trigger.Ctrl
	}
	if ebiten.IsKeyPressed(ebiten.KeyShift) {
		m |= trigger.Shift
	}
	if ebiten.IsKeyPressed(ebiten.KeyAlt) {
		m |= trigger.Alt
	}
	return m
}

func (g *Game) Draw(screen *ebiten.Image) {
	if g.tex == nil {
		b := g.view.Bounds()
		g.tex = ebiten.NewImage(b.Dx(), b.Dy())
	}
	g.tex.WritePixels(g.view.Pix)
	screen.DrawImage(g.tex, nil)
}

// Layout keeps the logical screen at the output resolution; ebiten scales
// it to the window.
func (g *Game) Layout(outsideW, outsideH int) (int, int) {
	b := g.view.Bounds()
	return b.Dx(), b.Dy()
}

// Run opens the window and blocks until quit.
func Run(g *Game) error {
	b := g.view.Bounds()
	ebiten.SetWindowSize(int(float64(b.Dx())*g.opts.Scale), int(float64(b.Dy())*g.opts.Scale))
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle(g.opts.Title)
	ebiten.SetTPS(int(math.Round(g.eng.FPS())))
	return ebiten.RunGame(g)
}
