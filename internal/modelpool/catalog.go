package modelpool

import (
	"errors"
	"fmt"
	"sort"
)

// Kind tells what a model does.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindEmbedding     Kind = "embedding"
)

// Spec describes one model the pool may load.
type Spec struct {
	Name    string `yaml:"name" json:"name"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Backend string `yaml:"backend" json:"backend"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey  string `yaml:"api_key" json:"-"`
	// Device is the affinity requested from the backend ("cuda", "cuda:1", "cpu").
	Device string `yaml:"device" json:"device,omitempty"`

	// Embedding models only. QueryPrefix is prepended to every embedded text.
	Dimension   int    `yaml:"dimension" json:"dimension,omitempty"`
	Collection  string `yaml:"collection" json:"collection,omitempty"`
	Label       string `yaml:"label" json:"label,omitempty"`
	QueryPrefix string `yaml:"query_prefix" json:"query_prefix,omitempty"`

	// Optional endpoints used to preload and drop weights on servers that support it.
	LoadURL   string `yaml:"load_url" json:"-"`
	UnloadURL string `yaml:"unload_url" json:"-"`
}

// Catalog is the fixed set of models known to a process.
type Catalog struct {
	specs map[string]Spec
	order []string
}

// NewCatalog validates specs and indexes them by name.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("model spec without name")
		}
		if _, dup := c.specs[s.Name]; dup {
			return nil, fmt.Errorf("model %q declared twice", s.Name)
		}
		switch s.Kind {
		case KindTranscription:
		case KindEmbedding:
			if s.Collection == "" {
				return nil, fmt.Errorf("embedding model %q has no collection", s.Name)
			}
			if s.Dimension <= 0 {
				return nil, fmt.Errorf("embedding model %q has no dimension", s.Name)
			}
			if s.Label == "" {
				s.Label = s.Collection
			}
		default:
			return nil, fmt.Errorf("model %q has unknown kind %q", s.Name, s.Kind)
		}
		c.specs[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	return c, nil
}

// Lookup returns the spec registered under name.
func (c *Catalog) Lookup(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// ByKind returns the specs of one kind in declaration order.
func (c *Catalog) ByKind(kind Kind) []Spec {
	var out []Spec
	for _, name := range c.order {
		if s := c.specs[name]; s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Names returns every model name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	return names
}
