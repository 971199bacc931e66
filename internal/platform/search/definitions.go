package search

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tailscale/hujson"
)

//go:embed definitions.jsonc
var embeddedDefinitions []byte

// Definition is the subset of a FHIR SearchParameter resource needed to
// build a SearchParam.
type Definition struct {
	Code       string                `json:"code"`
	Base       []string              `json:"base"`
	Type       string                `json:"type"`
	Expression string                `json:"expression,omitempty"`
	Target     []string              `json:"target,omitempty"`
	Component  []ComponentDefinition `json:"component,omitempty"`
}

type ComponentDefinition struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// DefinitionSet is the file format: the resource types to expose and the
// parameters defined on them.
type DefinitionSet struct {
	ResourceTypes []string     `json:"resourceTypes"`
	Parameters    []Definition `json:"parameters"`
}

// ParseDefinitions decodes a JSONC definition set.
func ParseDefinitions(data []byte) (*DefinitionSet, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}
	var set DefinitionSet
	if err := json.Unmarshal(standardized, &set); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}
	return &set, nil
}

// LoadDefinitions adds every type and parameter of the set to the builder.
func (b *ManifestBuilder) LoadDefinitions(set *DefinitionSet) error {
	for _, rt := range set.ResourceTypes {
		b.AddResourceType(rt)
	}
	for _, def := range set.Parameters {
		if err := b.AddDefinition(def); err != nil {
			return err
		}
	}
	return nil
}

// LoadRegistry builds a registry from the definitions file at path, or from
// the embedded definitions when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	data := embeddedDefinitions
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read search definitions: %w", err)
		}
	}
	set, err := ParseDefinitions(data)
	if err != nil {
		return nil, err
	}
	b := NewManifestBuilder()
	if err := b.LoadDefinitions(set); err != nil {
		return nil, err
	}
	return b.Build()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// DefaultRegistry returns the registry built from the embedded definitions.
// It is built on first use and shared afterwards; definitions therefore load
// before any manifest is handed out, and nothing may modify it.
func DefaultRegistry() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = LoadRegistry("")
	})
	return defaultRegistry, defaultErr
}
