// Command surfacetest checks a MIDI control surface against a running
// engine: decoded input is printed and X-Touch LEDs, faders and LCD strips
// follow the layers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"vjrun/lib/compositor"
	"vjrun/lib/engine"
	"vjrun/lib/midictl"
	"vjrun/lib/show"
	"vjrun/lib/trigger"
)

func main() {
	port := flag.String("port", "x-touch", "MIDI port, matched by substring")
	extender := flag.Bool("extender", false, "address an X-Touch Extender")
	layersFile := flag.String("layers", "", "layer config file (default: eight layers on notes 0-7 and faders 70-77)")
	flag.Parse()

	if err := run(*port, *extender, *layersFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func stripLayers() []show.Layer {
	sources := make([]string, midictl.Strips)
	for i := range sources {
		sources[i] = fmt.Sprintf("pattern-%d", i)
	}
	layers := show.DefaultLayers(sources)
	for i := range layers {
		note := uint8(i)
		cc := uint8(midictl.CCFaderFirst + i)
		layers[i].Name = fmt.Sprintf("Ch %d", i+1)
		layers[i].Note = &note
		layers[i].CC = &cc
	}
	return layers
}

func run(portName string, extender bool, layersFile string) error {
	defer midi.CloseDriver()

	inPort, err := midictl.FindInPort(portName)
	if err != nil {
		midictl.ListPorts(os.Stdout)
		fmt.Println()
		return err
	}
	outPort, err := midictl.FindOutPort(portName)
	if err != nil {
		return err
	}
	deviceID := uint8(midictl.DeviceIDXTouch)
	if extender {
		deviceID = midictl.DeviceIDExtender
	}
	out, err := midictl.NewOutput(outPort, deviceID)
	if err != nil {
		return err
	}

	layers := stripLayers()
	if layersFile != "" {
		if layers, err = show.LoadLayers(layersFile); err != nil {
			return err
		}
	}

	queue := engine.NewQueue(64)
	eng, err := engine.New(engine.Config{
		Layers: layers,
		Open:   compositor.PaletteOpener(8, 8),
		Width:  8,
		Height: 8,
		FPS:    30,
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
	fb := midictl.NewFeedback(out, midictl.LayerNotes(layers))
	go fb.Run(ctx)

	fmt.Printf("Listening on: %s\n", inPort)
	stop, err := midictl.Listen(inPort, midictl.NewDecoder(-1), func(in trigger.Input) bool {
		fmt.Println(midictl.Describe(in))
		return queue.Push(in)
	})
	if err != nil {
		return err
	}
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / 30)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, ev := range eng.Tick().Events {
				fmt.Println(ev)
			}
			fb.Update(eng.Snapshot())
		case <-sig:
			fmt.Println()
			return nil
		}
	}
}
