// Command padtest drives the Stream Deck trigger pad from a running engine
// with solid test-pattern layers, printing every trigger event.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vjrun/lib/compositor"
	"vjrun/lib/engine"
	"vjrun/lib/show"
	"vjrun/lib/streamdeck"
)

func main() {
	layersFile := flag.String("layers", "", "layer config file (default: one gate layer per key)")
	fps := flag.Float64("fps", 30, "engine frame rate")
	flag.Parse()

	if err := run(*layersFile, *fps); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func patterns(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("pattern-%d", i)
	}
	return out
}

func run(layersFile string, fps float64) error {
	dev, err := streamdeck.Open()
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Printf("Connected to: %s (serial: %s)\n", dev.Product(), dev.SerialNumber())
	dev.SetBrightness(80)

	var layers []show.Layer
	if layersFile != "" {
		if layers, err = show.LoadLayers(layersFile); err != nil {
			return err
		}
	} else {
		// Leave a key free for panic.
		layers = show.DefaultLayers(patterns(min(dev.Model().Keys-1, show.MaxLayers)))
	}

	queue := engine.NewQueue(64)
	eng, err := engine.New(engine.Config{
		Layers: layers,
		Open:   compositor.PaletteOpener(8, 8),
		Width:  8,
		Height: 8,
		FPS:    fps,
		Queue:  queue,
	})
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pad := streamdeck.NewPad(dev, layers)
	padErr := make(chan error, 1)
	go func() {
		padErr <- pad.Run(ctx, queue.Push)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t := eng.Tick()
			for _, ev := range t.Events {
				fmt.Println(ev)
			}
			pad.Update(eng.Snapshot())
		case err := <-padErr:
			return err
		case <-sig:
			fmt.Println()
			return nil
		}
	}
}
