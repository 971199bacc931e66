package search

import (
	"fmt"
	"sort"
)

// genericBase marks a definition that applies to every resource type.
const genericBase = "Resource"

// ResourceTypeManifest is the set of search parameters supported by one
// resource type. The generic manifest has an empty ResourceType.
type ResourceTypeManifest struct {
	ResourceType string
	params       map[string]*SearchParam
}

// Param looks up a parameter by name.
func (m *ResourceTypeManifest) Param(name string) (*SearchParam, error) {
	if p, ok := m.params[name]; ok {
		return p, nil
	}
	return nil, &SearchParameterNotSupportedError{ResourceType: m.ResourceType, ParamName: name}
}

// Params returns every parameter sorted by name.
func (m *ResourceTypeManifest) Params() []*SearchParam {
	out := make([]*SearchParam, 0, len(m.params))
	for _, p := range m.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ManifestProvider resolves manifests by resource type.
type ManifestProvider interface {
	Manifest(resourceType string) (*ResourceTypeManifest, error)
	GenericManifest() *ResourceTypeManifest
}

// Registry holds every manifest. It is immutable and safe for concurrent use.
type Registry struct {
	manifests map[string]*ResourceTypeManifest
	generic   *ResourceTypeManifest
	types     []string
}

var _ ManifestProvider = (*Registry)(nil)

func (r *Registry) Manifest(resourceType string) (*ResourceTypeManifest, error) {
	if m, ok := r.manifests[resourceType]; ok {
		return m, nil
	}
	return nil, &ResourceNotSupportedError{ResourceType: resourceType}
}

func (r *Registry) GenericManifest() *ResourceTypeManifest { return r.generic }

// ResourceTypes returns the supported resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	return append([]string(nil), r.types...)
}

func (r *Registry) IsResourceType(name string) bool {
	_, ok := r.manifests[name]
	return ok
}

// ManifestBuilder collects definitions and extractors. Build freezes the
// result; the builder must not be used afterwards.
type ManifestBuilder struct {
	types   map[string]map[string]*SearchParam
	generic map[string]*SearchParam
	extra   []pendingExtractor
	built   bool
}

type pendingExtractor struct {
	resourceType string
	name         string
	extractor    Extractor
}

func NewManifestBuilder() *ManifestBuilder {
	return &ManifestBuilder{
		types:   make(map[string]map[string]*SearchParam),
		generic: make(map[string]*SearchParam),
	}
}

// AddResourceType declares a resource type, even one without parameters of
// its own.
func (b *ManifestBuilder) AddResourceType(name string) {
	if _, ok := b.types[name]; !ok {
		b.types[name] = make(map[string]*SearchParam)
	}
}

// AddDefinition registers a parameter on each of its base types. A base of
// "Resource" makes the parameter generic.
func (b *ManifestBuilder) AddDefinition(def Definition) error {
	if b.built {
		return fmt.Errorf("manifest builder already built")
	}
	typ, err := ParseParamType(def.Type)
	if err != nil {
		return fmt.Errorf("definition %q: %w", def.Code, err)
	}
	if len(def.Base) == 0 {
		return fmt.Errorf("definition %q has no base resource type", def.Code)
	}
	for _, base := range def.Base {
		p := &SearchParam{
			ResourceType: base,
			Name:         def.Code,
			Type:         typ,
			Targets:      append([]string(nil), def.Target...),
		}
		if def.Expression != "" {
			p.Paths = []string{def.Expression}
		}
		for _, c := range def.Component {
			ct, err := ParseParamType(c.Type)
			if err != nil {
				return fmt.Errorf("definition %q component: %w", def.Code, err)
			}
			p.Components = append(p.Components, Component{Type: ct, Path: c.Expression})
		}
		if typ == ParamComposite && len(p.Components) == 2 {
			p.UnderlyingType = p.Components[1].Type
		}
		if base == genericBase {
			p.ResourceType = ""
			b.generic[p.Name] = p
			continue
		}
		b.AddResourceType(base)
		b.types[base][p.Name] = p
	}
	return nil
}

// AddExtractor attaches an extra extractor to a parameter. resourceType ""
// targets a generic parameter.
func (b *ManifestBuilder) AddExtractor(resourceType, name string, ex Extractor) {
	b.extra = append(b.extra, pendingExtractor{resourceType: resourceType, name: name, extractor: ex})
}

// Build validates every parameter, derives path extractors and returns the
// frozen registry. Generic parameters are copied into every type manifest
// unless the type defines a parameter of the same name.
func (b *ManifestBuilder) Build() (*Registry, error) {
	if b.built {
		return nil, fmt.Errorf("manifest builder already built")
	}
	b.built = true

	reg := &Registry{manifests: make(map[string]*ResourceTypeManifest, len(b.types))}

	reg.generic = &ResourceTypeManifest{params: make(map[string]*SearchParam, len(b.generic))}
	for name, p := range b.generic {
		reg.generic.params[name] = p
	}

	for rt, params := range b.types {
		m := &ResourceTypeManifest{ResourceType: rt, params: make(map[string]*SearchParam, len(params)+len(b.generic))}
		for name, g := range b.generic {
			cp := *g
			cp.ResourceType = rt
			m.params[name] = &cp
		}
		for name, p := range params {
			m.params[name] = p
		}
		reg.manifests[rt] = m
		reg.types = append(reg.types, rt)
	}
	sort.Strings(reg.types)

	all := append([]*ResourceTypeManifest{reg.generic}, manifestsOf(reg)...)
	for _, m := range all {
		for _, p := range m.params {
			if err := p.validate(); err != nil {
				return nil, err
			}
			p.extractors = nil
			for _, path := range p.Paths {
				p.extractors = append(p.extractors, pathExtractor(p, path))
			}
		}
	}

	for _, pe := range b.extra {
		if pe.resourceType == "" {
			p, err := reg.generic.Param(pe.name)
			if err != nil {
				return nil, fmt.Errorf("extractor: %w", err)
			}
			p.extractors = append(p.extractors, pe.extractor)
			for _, m := range manifestsOf(reg) {
				if _, own := b.types[m.ResourceType][pe.name]; !own {
					m.params[pe.name].extractors = append(m.params[pe.name].extractors, pe.extractor)
				}
			}
			continue
		}
		m, err := reg.Manifest(pe.resourceType)
		if err != nil {
			return nil, fmt.Errorf("extractor for %s: %w", pe.name, err)
		}
		p, err := m.Param(pe.name)
		if err != nil {
			return nil, fmt.Errorf("extractor: %w", err)
		}
		p.extractors = append(p.extractors, pe.extractor)
	}
	return reg, nil
}

func manifestsOf(reg *Registry) []*ResourceTypeManifest {
	out := make([]*ResourceTypeManifest, 0, len(reg.types))
	for _, rt := range reg.types {
		out = append(out, reg.manifests[rt])
	}
	return out
}
