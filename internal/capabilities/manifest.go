// Package capabilities declares feature modules in YAML and registers them.
package capabilities

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/registry"
)

//go:embed default.yaml
var defaultManifest []byte

// Manifest lists feature modules.
type Manifest struct {
	Modules []Module `yaml:"modules"`
}

// Module is one feature module's declaration.
type Module struct {
	ID           string   `yaml:"id"`
	Version      string   `yaml:"version"`
	Subject      string   `yaml:"subject"`
	Confirmation string   `yaml:"confirmation,omitempty"`
	TargetParam  string   `yaml:"target_param,omitempty"`
	PhraseVerb   string   `yaml:"phrase_verb,omitempty"`
	Actions      []Action `yaml:"actions"`
	Params       []Param  `yaml:"params,omitempty"`
	Required     []string `yaml:"required,omitempty"`
}

type Action struct {
	Name     string   `yaml:"name"`
	Triggers []string `yaml:"triggers"`
}

type Param struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Options []string `yaml:"options,omitempty"`
	Keyword string   `yaml:"keyword,omitempty"`
	Default any      `yaml:"default,omitempty"`
}

// HandlerFactory builds the handler that serves a module.
type HandlerFactory func(m Module) (registry.Handler, error)

// Default returns the built-in manifest.
func Default() (*Manifest, error) {
	return Parse(defaultManifest)
}

// Load reads a manifest file; an empty path selects the built-in manifest.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load capabilities %q: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse capabilities %q: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest, rejecting unknown fields.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for _, module := range m.Modules {
		if err := module.check(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m Module) check() error {
	if m.ID == "" {
		return fmt.Errorf("module without id")
	}
	switch models.ConfirmationPolicy(m.Confirmation) {
	case "", models.PolicyNone, models.PolicyConfirmPhrase, models.PolicyManifest:
	default:
		return fmt.Errorf("module %s: unknown confirmation policy %q", m.ID, m.Confirmation)
	}
	for _, p := range m.Params {
		switch registry.ParamKind(p.Kind) {
		case registry.ParamNumber, registry.ParamFlag:
		case registry.ParamChoice:
			if len(p.Options) == 0 && p.Default == nil {
				return fmt.Errorf("module %s: choice param %s has no options", m.ID, p.Name)
			}
		default:
			return fmt.Errorf("module %s: param %s has unknown kind %q", m.ID, p.Name, p.Kind)
		}
	}
	return nil
}

// Descriptor converts the declaration into a registry descriptor.
func (m Module) Descriptor(h registry.Handler) registry.Descriptor {
	d := registry.Descriptor{
		ID:                  m.ID,
		Version:             m.Version,
		Triggers:            make(map[string][]string, len(m.Actions)),
		RequiredParams:      m.Required,
		DefaultConfirmation: models.ConfirmationPolicy(m.Confirmation),
		TargetParam:         m.TargetParam,
		PhraseVerb:          m.PhraseVerb,
		Handler:             h,
	}
	for _, a := range m.Actions {
		d.Actions = append(d.Actions, a.Name)
		if len(a.Triggers) > 0 {
			d.Triggers[a.Name] = a.Triggers
		}
	}
	for _, p := range m.Params {
		d.Params = append(d.Params, registry.ParamSpec{
			Name:    p.Name,
			Kind:    registry.ParamKind(p.Kind),
			Options: p.Options,
			Keyword: p.Keyword,
			Default: p.Default,
		})
	}
	return d
}

// Register adds every module of the manifest to the registry. It stops at
// the first rejected descriptor.
func Register(r *registry.Registry, m *Manifest, handlers HandlerFactory) error {
	for _, module := range m.Modules {
		h, err := handlers(module)
		if err != nil {
			return fmt.Errorf("module %s: %w", module.ID, err)
		}
		if err := r.Register(module.Descriptor(h)); err != nil {
			return err
		}
	}
	return nil
}
