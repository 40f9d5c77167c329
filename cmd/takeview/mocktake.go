package main

import (
	"fmt"
	"math/rand/v2"

	"vjrun/lib/envelope"
	"vjrun/lib/show"
)

var layerNamePool = []string{
	"Strobe", "Tunnel", "Smoke", "Grid", "Glitch", "Particles",
	"Waveform", "Logo", "Noise", "Kaleido", "Bars", "Rain",
}

var modePool = []show.TriggerMode{show.Toggle, show.Gate, show.Hold, show.Retrigger}

var blendPool = []show.BlendMode{show.Normal, show.Screen, show.Add, show.Multiply, show.Lighten}

// GenerateMockTake builds a valid take with a base layer, numLayers-1
// random overlays and numEvents trigger events spread over totalFrames.
func GenerateMockTake(numLayers, numEvents, totalFrames int) *show.AutomationLog {
	rng := rand.New(rand.NewPCG(42, 0))

	names := make([]string, len(layerNamePool))
	copy(names, layerNamePool)
	rng.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})

	l := &show.AutomationLog{FPS: 30, TotalFrames: totalFrames, Width: 1280, Height: 720}
	for i := range numLayers {
		layer := show.Layer{
			ID:     i,
			Name:   names[i%len(names)],
			Source: fmt.Sprintf("clips/%02d.mp4", i),
			Mode:   modePool[rng.IntN(len(modePool))],
			Blend:  blendPool[rng.IntN(len(blendPool))],
			Envelope: envelope.Preset{
				Attack:  rng.IntN(10),
				Decay:   rng.IntN(10),
				Sustain: 0.5 + rng.Float64()/2,
				Release: rng.IntN(20),
			},
		}
		if i == 0 {
			layer.AlwaysOn = true
			layer.Mode = show.Gate
			layer.Blend = show.Normal
			layer.Envelope = envelope.Gate
		} else if rng.Float64() < 0.3 {
			layer.ChokeGroup = "fx"
		}
		l.LayerConfig = append(l.LayerConfig, layer)
	}
	if numLayers < 2 {
		return l
	}

	on := make([]bool, numLayers)
	frame := 0
	for range numEvents {
		frame += rng.IntN(max(1, 2*totalFrames/max(1, numEvents)))
		if frame >= totalFrames {
			break
		}
		id := 1 + rng.IntN(numLayers-1)
		ev := show.TriggerEvent{FrameIndex: frame, LayerID: id, Kind: show.On}
		switch {
		case rng.Float64() < 0.1:
			ev.Kind = show.ParamSet
			ev.Value = rng.Float64()
		case on[id]:
			ev.Kind = show.Off
		}
		if ev.Kind != show.ParamSet {
			on[id] = !on[id]
		}
		l.Events = append(l.Events, ev)
	}
	return l
}
