package compose

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/pkg/domain"
)

// Source is the entity service surface the composer reads from.
type Source interface {
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	GetIDsByRelation(ctx context.Context, id string, rel domain.Relation) ([]string, error)
	GetVisibility(ctx context.Context, id string) (string, error)
}

// Visibility decides whether an entity may appear in public indices.
type Visibility struct {
	src Source
	log zerolog.Logger
}

// NewVisibility returns the predicate backed by src for the lookups some types need.
func NewVisibility(src Source, log zerolog.Logger) *Visibility {
	return &Visibility{src: src, log: log}
}

// IsPublic reports whether doc is publicly visible. Missing status or access level
// fields are logged and treated as not public. Errors are returned only for failed
// upstream lookups and unknown entity types.
func (v *Visibility) IsPublic(ctx context.Context, doc domain.Document) (bool, error) {
	et, err := doc.EntityType()
	if err != nil {
		return false, err
	}
	switch et {
	case domain.EntityDataset, domain.EntityPublication:
		return v.published(doc), nil
	case domain.EntityCollection, domain.EntityEpicollection:
		vis, err := v.src.GetVisibility(ctx, doc.UUID())
		if err != nil {
			return false, errors.Wrapf(err, "visibility of %s", doc.UUID())
		}
		return strings.EqualFold(strings.TrimSpace(vis), domain.VisibilityPublic), nil
	case domain.EntityFile:
		owner := doc.Str(domain.FieldDatasetUUID)
		if owner == "" {
			v.gap(doc, domain.FieldDatasetUUID)
			return false, nil
		}
		ds, err := v.src.GetDocument(ctx, owner)
		if err != nil {
			return false, errors.Wrapf(err, "owning dataset of %s", doc.UUID())
		}
		return v.published(ds), nil
	case domain.EntityDonor, domain.EntitySource, domain.EntitySample, domain.EntityUpload:
		if !doc.Has(domain.FieldDataAccessLevel) {
			v.gap(doc, domain.FieldDataAccessLevel)
			return false, nil
		}
		return doc.StrEqualFold(domain.FieldDataAccessLevel, domain.AccessPublic), nil
	}
	return false, domain.ErrUnknownEntityType{Value: string(et)}
}

func (v *Visibility) published(doc domain.Document) bool {
	if !doc.Has(domain.FieldStatus) {
		v.gap(doc, domain.FieldStatus)
		return false
	}
	return doc.StrEqualFold(domain.FieldStatus, domain.StatusPublished)
}

func (v *Visibility) gap(doc domain.Document, field string) {
	v.log.Warn().
		Str("uuid", doc.UUID()).
		Str("entity_type", doc.Str(domain.FieldEntityType)).
		Str("field", field).
		Msg("data quality: missing field, treating entity as not public")
}
