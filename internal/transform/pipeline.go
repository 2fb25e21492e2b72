package transform

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/internal/entityclient"
	"searchsync/internal/metrics"
	"searchsync/pkg/domain"
)

// Pipeline applies each index group's transformer.
type Pipeline struct {
	registry  *Registry
	resources Resources
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// NewPipeline returns a pipeline sharing res with every transformer call.
func NewPipeline(reg *Registry, res Resources, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{registry: reg, resources: res, log: log, metrics: m}
}

// Apply transforms doc for group. Groups without a transformer get doc back
// unchanged. A rejected document yields a *domain.SkipError.
func (p *Pipeline) Apply(ctx context.Context, group domain.IndexGroup, doc domain.Document) (domain.Document, error) {
	if group.Transformer == "" || doc == nil {
		return doc, nil
	}
	t, ok := p.registry.Lookup(group.Transformer)
	if !ok {
		return nil, errors.Errorf("index group %s: transformer %s is not registered", group.Name, group.Transformer)
	}
	res := p.resources
	if tok := entityclient.TokenFromContext(ctx); tok != "" {
		res.Token = tok
	}
	out, err := t.Transform(ctx, doc, res)
	if err != nil {
		return nil, errors.Wrapf(err, "transform %s for %s", doc.UUID(), group.Name)
	}
	if out == nil {
		p.log.Warn().
			Str("uuid", doc.UUID()).
			Str("index_group", group.Name).
			Str("transformer", group.Transformer).
			Msg("transformer rejected document, skipping")
		p.metrics.RecordSkip(group.Name)
		return nil, &domain.SkipError{ID: doc.UUID(), Group: group.Name, Reason: "rejected by " + group.Transformer}
	}
	return out, nil
}
