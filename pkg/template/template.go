// Package template generates [[services]] config skeletons for common
// model-server shapes. The output is a TOML snippet that drops straight
// into servisr.toml.
package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Type selects the template to generate.
type Type string

const (
	// TypeCTranslate2 is a CTranslate2 translation server, one model per
	// language pair.
	TypeCTranslate2 Type = "ctranslate2"
	// TypeNLLB is an NLLB multilingual translation server.
	TypeNLLB Type = "nllb"
	// TypeHTTP is a generic HTTP model server that binds the leased port.
	TypeHTTP Type = "http"
	// TypeSimple is a bare child with only the readiness contract filled in.
	TypeSimple Type = "simple"
)

// ServiceTemplate is one [[services]] entry. Durations are strings
// ("120s") so the rendered TOML stays hand-editable and parses through
// the config loader's duration hook.
type ServiceTemplate struct {
	Key            string   `toml:"key"`
	Command        string   `toml:"command"`
	WorkDir        string   `toml:"work_dir,omitempty"`
	Env            []string `toml:"env,omitempty"`
	Marker         string   `toml:"marker,omitempty"`
	StartupTimeout string   `toml:"startup_timeout,omitempty"`
	ReadyTimeout   string   `toml:"ready_timeout,omitempty"`
	StopGrace      string   `toml:"stop_grace,omitempty"`
	AutoStart      bool     `toml:"auto_start,omitempty"`
	AutoRestart    bool     `toml:"auto_restart,omitempty"`
	RestartMax     int      `toml:"restart_max,omitempty"`
}

// Generator builds service templates.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the template for one service key. The key doubles as
// the model selector for the translation engines (e.g. "ja-en").
func (g *Generator) Generate(typ Type, key string) (*ServiceTemplate, error) {
	switch typ {
	case TypeCTranslate2:
		return g.ctranslate2(key), nil
	case TypeNLLB:
		return g.nllb(key), nil
	case TypeHTTP:
		return g.http(key), nil
	case TypeSimple:
		return g.simple(key), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %v)", typ, g.SupportedTypes())
	}
}

// Render returns the TOML snippet for one service, ready to append to a
// config file.
func (g *Generator) Render(typ Type, key string) ([]byte, error) {
	tpl, err := g.Generate(typ, key)
	if err != nil {
		return nil, err
	}
	doc := struct {
		Services []ServiceTemplate `toml:"services"`
	}{Services: []ServiceTemplate{*tpl}}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// SupportedTypes lists every template type Generate accepts.
func (g *Generator) SupportedTypes() []string {
	return []string{
		string(TypeCTranslate2),
		string(TypeNLLB),
		string(TypeHTTP),
		string(TypeSimple),
	}
}

func (g *Generator) ctranslate2(key string) *ServiceTemplate {
	return &ServiceTemplate{
		Key:            key,
		Command:        "python -m ct2_server --model /srv/models/" + key,
		WorkDir:        "/srv/models",
		Env:            []string{"CT2_INTER_THREADS=2", "CT2_INTRA_THREADS=4"},
		Marker:         "CT2_SERVER_READY",
		StartupTimeout: "120s",
		ReadyTimeout:   "10s",
		StopGrace:      "5s",
		AutoStart:      true,
		AutoRestart:    true,
		RestartMax:     3,
	}
}

func (g *Generator) nllb(key string) *ServiceTemplate {
	return &ServiceTemplate{
		Key:            key,
		Command:        "python -m nllb_server --model-dir /srv/models/nllb",
		WorkDir:        "/srv/models",
		Env:            []string{"HF_HOME=/srv/cache/huggingface"},
		Marker:         "NLLB_MODEL_READY",
		StartupTimeout: "300s",
		ReadyTimeout:   "15s",
		StopGrace:      "10s",
		AutoStart:      true,
		AutoRestart:    true,
		RestartMax:     3,
	}
}

func (g *Generator) http(key string) *ServiceTemplate {
	return &ServiceTemplate{
		Key:            key,
		Command:        "/usr/local/bin/model-server",
		Marker:         "SERVER_READY",
		StartupTimeout: "60s",
		ReadyTimeout:   "10s",
		StopGrace:      "5s",
		AutoRestart:    true,
		RestartMax:     3,
	}
}

func (g *Generator) simple(key string) *ServiceTemplate {
	return &ServiceTemplate{
		Key:     key,
		Command: "/bin/sh /opt/servisr/" + key + ".sh",
		Marker:  "SERVER_READY",
	}
}
