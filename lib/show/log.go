package show

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AutomationLog is the persisted take. Together with the layer source files it
// is all Review and Offline Render need to rebuild the show.
type AutomationLog struct {
	FPS         float64        `json:"fps"`
	TotalFrames int            `json:"total_frames"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	LayerConfig []Layer        `json:"layer_config"`
	Events      []TriggerEvent `json:"events"`

	Generation int       `json:"generation,omitempty"`
	TakeID     string    `json:"take_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

func (l *AutomationLog) Validate() error {
	if l.FPS <= 0 {
		return fmt.Errorf("log: fps %v must be positive", l.FPS)
	}
	if l.TotalFrames < 0 {
		return fmt.Errorf("log: negative total_frames %d", l.TotalFrames)
	}
	if len(l.LayerConfig) > 0 {
		if err := ValidateLayers(l.LayerConfig); err != nil {
			return fmt.Errorf("log: layer_config: %w", err)
		}
	}
	prev := 0
	for i, ev := range l.Events {
		if ev.FrameIndex < prev {
			return fmt.Errorf("log: event %d at frame %d is before frame %d", i, ev.FrameIndex, prev)
		}
		prev = ev.FrameIndex
		if ev.FrameIndex >= l.TotalFrames {
			return fmt.Errorf("log: event %d at frame %d is past total_frames %d", i, ev.FrameIndex, l.TotalFrames)
		}
		switch ev.Kind {
		case On, Off:
		case ParamSet:
			if ev.Value < 0 || ev.Value > 1 {
				return fmt.Errorf("log: event %d param value %v outside [0,1]", i, ev.Value)
			}
		default:
			return fmt.Errorf("log: event %d has unknown kind %q", i, ev.Kind)
		}
	}
	return nil
}

func (l *AutomationLog) Save(path string) error {
	buf, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("log: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("log: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("log: write: %w", err)
	}
	return nil
}

// LoadLog reads a log and, when a companion layer file sits next to it,
// replaces the embedded layer_config with the companion's layers.
func LoadLog(path string) (*AutomationLog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	var l AutomationLog
	if err := json.Unmarshal(buf, &l); err != nil {
		return nil, fmt.Errorf("log: parse %s: %w", path, err)
	}

	if companion, ok := FindCompanion(path); ok {
		layers, err := LoadLayers(companion)
		if err != nil {
			return nil, err
		}
		slog.Info("using companion layer config", "log", path, "layers", companion)
		l.LayerConfig = layers
	}

	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &l, nil
}

var companionSuffixes = []string{".layers.yaml", ".layers.yml", ".layers.json"}

// FindCompanion looks for <base>.layers.{yaml,yml,json} beside logPath.
func FindCompanion(logPath string) (string, bool) {
	base := strings.TrimSuffix(logPath, filepath.Ext(logPath))
	for _, suffix := range companionSuffixes {
		p := base + suffix
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

type layerFile struct {
	Layers []Layer `json:"layers" yaml:"layers"`
}

// LoadLayers reads a layer config file as JSON, falling back to YAML.
func LoadLayers(path string) ([]Layer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layers: %w", err)
	}
	var f layerFile
	if errJSON := json.Unmarshal(buf, &f); errJSON != nil {
		f = layerFile{}
		if errYAML := yaml.Unmarshal(buf, &f); errYAML != nil {
			return nil, fmt.Errorf("layers: %s could not be parsed as json (%v) or yaml (%v)", path, errJSON, errYAML)
		}
	}
	if err := ValidateLayers(f.Layers); err != nil {
		return nil, fmt.Errorf("layers: %s: %w", path, err)
	}
	return f.Layers, nil
}

// ScaleFrame maps a frame index recorded at fromFPS onto a timeline running at
// toFPS: round(idx * to / from), halves rounded away from zero. The mapping is
// lossy when toFPS is not an integer multiple of fromFPS: distinct recorded
// frames may land on the same render frame, and render frames between two
// recorded ones receive no events.
func ScaleFrame(idx int, fromFPS, toFPS float64) int {
	if fromFPS <= 0 || toFPS <= 0 || fromFPS == toFPS {
		return idx
	}
	return int(math.Round(float64(idx) * toFPS / fromFPS))
}

// IndexEvents groups events by their (scaled) frame index. Order within a
// frame is the log order.
func IndexEvents(events []TriggerEvent, fromFPS, toFPS float64) map[int][]TriggerEvent {
	idx := make(map[int][]TriggerEvent)
	for _, ev := range events {
		ev.FrameIndex = ScaleFrame(ev.FrameIndex, fromFPS, toFPS)
		idx[ev.FrameIndex] = append(idx[ev.FrameIndex], ev)
	}
	return idx
}

var ErrNoLayers = errors.New("no layer config: log has none and no companion file was found")

// ResolveLayers returns the log's layers with sources rewritten relative to
// the log's directory.
func (l *AutomationLog) ResolveLayers(logPath string) ([]Layer, error) {
	if len(l.LayerConfig) == 0 {
		return nil, ErrNoLayers
	}
	dir := filepath.Dir(logPath)
	out := make([]Layer, len(l.LayerConfig))
	copy(out, l.LayerConfig)
	for i := range out {
		if out[i].InputFormat == "" && !filepath.IsAbs(out[i].Source) && !strings.Contains(out[i].Source, "://") {
			if _, err := os.Stat(out[i].Source); err != nil {
				out[i].Source = filepath.Join(dir, out[i].Source)
			}
		}
	}
	return out, nil
}
