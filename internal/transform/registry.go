// Package transform runs the optional per-index-group document transformer before
// a composed document is written.
package transform

import (
	"context"
	"fmt"
	"sort"

	"searchsync/pkg/domain"
)

// Resources is the lookup bag handed to every transformer call.
type Resources struct {
	OrganTypes     map[string]string
	SoftAssayURL   string
	DescendantsURL string
	// Token is the caller's bearer token, when the run was started by a request.
	Token string
}

// Transformer rewrites a composed document. Returning a nil document rejects it.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, doc domain.Document, res Resources) (domain.Document, error)
}

// Func adapts a function to Transformer.
type Func struct {
	ID string
	Fn func(ctx context.Context, doc domain.Document, res Resources) (domain.Document, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Transform(ctx context.Context, doc domain.Document, res Resources) (domain.Document, error) {
	return f.Fn(ctx, doc, res)
}

// Registry holds transformers by name. It is populated at startup and read-only
// afterwards.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry returns a registry with the built-in transformers registered.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[string]Transformer)}
	_ = r.Register(OrganTerms{})
	return r
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Transformer) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("transformer name is required")
	}
	if _, exists := r.transformers[t.Name()]; exists {
		return fmt.Errorf("transformer %s already registered", t.Name())
	}
	r.transformers[t.Name()] = t
	return nil
}

// Lookup returns the transformer registered under name.
func (r *Registry) Lookup(name string) (Transformer, bool) {
	t, ok := r.transformers[name]
	return t, ok
}

// Names returns the registered transformer names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.transformers))
	for name := range r.transformers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
