// Package registry holds the immutable runtime configuration shared by the
// composer, orchestrator and rebuild machine: index groups, field policy,
// transformers and lookup tables. It is built once at process start.
package registry

import (
	"github.com/pkg/errors"

	"searchsync/internal/config"
	"searchsync/internal/policy"
	"searchsync/internal/transform"
	"searchsync/pkg/domain"
)

// Registry is read-only after construction and safe to share across workers.
type Registry struct {
	groups       []domain.IndexGroup
	byName       map[string]domain.IndexGroup
	policy       *policy.Engine
	transformers *transform.Registry
	resources    transform.Resources
	mappings     map[string]map[string]any
}

// Options are the pieces a Registry is assembled from.
type Options struct {
	Groups       []domain.IndexGroup
	Policy       *policy.Engine
	Transformers *transform.Registry
	Resources    transform.Resources
	// Mappings holds the index creation body per group name.
	Mappings map[string]map[string]any
}

// New validates opts and builds the registry.
func New(opts Options) (*Registry, error) {
	if len(opts.Groups) == 0 {
		return nil, errors.New("registry: at least one index group is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("registry: policy engine is required")
	}
	if opts.Transformers == nil {
		opts.Transformers = transform.NewRegistry()
	}
	r := &Registry{
		byName:       make(map[string]domain.IndexGroup, len(opts.Groups)),
		policy:       opts.Policy,
		transformers: opts.Transformers,
		resources:    opts.Resources,
		mappings:     make(map[string]map[string]any, len(opts.Mappings)),
	}
	for _, g := range opts.Groups {
		if g.Name == "" {
			return nil, errors.New("registry: index group without a name")
		}
		if _, dup := r.byName[g.Name]; dup {
			return nil, errors.Errorf("registry: duplicate index group %s", g.Name)
		}
		if g.Transformer != "" {
			if _, ok := r.transformers.Lookup(g.Transformer); !ok {
				return nil, errors.Errorf("registry: index group %s uses unknown transformer %s", g.Name, g.Transformer)
			}
		}
		r.byName[g.Name] = g
		r.groups = append(r.groups, g)
	}
	for name, body := range opts.Mappings {
		r.mappings[name] = body
	}
	return r, nil
}

// FromConfig loads the index group file, exclusion table, organ map and index
// mappings named by cfg.
func FromConfig(cfg config.Config) (*Registry, error) {
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	exclusions, err := policy.LoadExclusions(cfg.ExclusionsFile)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(file.Retention(), file.Renames, exclusions)
	if err != nil {
		return nil, err
	}
	organs, err := config.LoadOrganTypes(cfg.OrganTypesFile)
	if err != nil {
		return nil, err
	}
	groups := file.Groups()
	mappings := make(map[string]map[string]any, len(groups))
	for _, g := range groups {
		body, err := config.LoadMapping(g.MappingFile)
		if err != nil {
			return nil, errors.Wrapf(err, "index group %s", g.Name)
		}
		if body != nil {
			mappings[g.Name] = body
		}
	}
	return New(Options{
		Groups:       groups,
		Policy:       pol,
		Transformers: transform.NewRegistry(),
		Resources: transform.Resources{
			OrganTypes:     organs,
			SoftAssayURL:   cfg.SoftAssayURL,
			DescendantsURL: cfg.DescendantsURL,
		},
		Mappings: mappings,
	})
}

// Groups returns every index group in configuration order.
func (r *Registry) Groups() []domain.IndexGroup {
	return append([]domain.IndexGroup(nil), r.groups...)
}

// GroupNames returns the configured group names.
func (r *Registry) GroupNames() []string {
	out := make([]string, len(r.groups))
	for i, g := range r.groups {
		out[i] = g.Name
	}
	return out
}

// Group looks up one index group.
func (r *Registry) Group(name string) (domain.IndexGroup, bool) {
	g, ok := r.byName[name]
	return g, ok
}

// Select returns the named groups, or every group when names is empty.
func (r *Registry) Select(names []string) ([]domain.IndexGroup, error) {
	if len(names) == 0 {
		return r.Groups(), nil
	}
	out := make([]domain.IndexGroup, 0, len(names))
	for _, name := range names {
		g, ok := r.byName[name]
		if !ok {
			return nil, errors.Errorf("unknown index group %q", name)
		}
		out = append(out, g)
	}
	return out, nil
}

// TrackedIndices returns every live public and private index name.
func (r *Registry) TrackedIndices() []string {
	var out []string
	for _, g := range r.groups {
		out = append(out, g.Pair().Names()...)
	}
	return out
}

// GroupOf returns the group owning a live index name.
func (r *Registry) GroupOf(index string) (domain.IndexGroup, bool) {
	for _, g := range r.groups {
		if g.PublicIndex == index || g.PrivateIndex == index {
			return g, true
		}
	}
	return domain.IndexGroup{}, false
}

// Mapping returns the index creation body for a group, or nil.
func (r *Registry) Mapping(group string) map[string]any {
	return r.mappings[group]
}

func (r *Registry) Policy() *policy.Engine { return r.policy }
func (r *Registry) Transformers() *transform.Registry { return r.transformers }
func (r *Registry) Resources() transform.Resources { return r.resources }
func (r *Registry) Organs() map[string]string { return r.resources.OrganTypes }
