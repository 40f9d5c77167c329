package session

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
)

const DefaultNameTemplate = `take-{{ .Generation }}-{{ now | date "20060102-150405" }}.json`

type nameData struct {
	Generation int
	TakeID     string
	Events     int
	Frames     int
	Time       time.Time
}

type nameTemplate struct {
	tmpl *template.Template
}

func parseName(text string) (*nameTemplate, error) {
	if text == "" {
		text = DefaultNameTemplate
	}
	tmpl, err := template.New("take").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("take name template: %w", err)
	}
	return &nameTemplate{tmpl: tmpl}, nil
}

func (n *nameTemplate) render(data nameData) (string, error) {
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("take name template: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("take name template produced %q, want a plain file name", name)
	}
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	return name, nil
}
