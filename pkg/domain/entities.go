// Package domain defines the provenance entity model, composed search documents,
// index group descriptors, and the error taxonomy shared by searchsync.
package domain

import (
	"strings"
)

// EntityType identifies the kind of node stored in the system of record.
type EntityType string

// Supported entity types. The set is closed: every per-type concern switches over
// all of them and reports ErrUnknownEntityType for anything else.
const (
	// EntityDonor identifies a human donor at the root of a provenance chain.
	EntityDonor EntityType = "Donor"
	// EntitySource identifies a non-donor provenance root (mouse, cell line).
	EntitySource EntityType = "Source"
	// EntitySample identifies a tissue sample (organ, block, section, suspension).
	EntitySample EntityType = "Sample"
	// EntityDataset identifies a dataset derived from samples or other datasets.
	EntityDataset EntityType = "Dataset"
	// EntityPublication identifies a publication, which behaves like a dataset.
	EntityPublication EntityType = "Publication"
	// EntityUpload identifies a data upload; uploads have no provenance edges.
	EntityUpload EntityType = "Upload"
	// EntityCollection identifies a curated collection of datasets.
	EntityCollection EntityType = "Collection"
	// EntityEpicollection identifies a collection of derived (epic) datasets.
	EntityEpicollection EntityType = "Epicollection"
	// EntityFile identifies a file-like artifact owned by a dataset.
	EntityFile EntityType = "File"
)

var entityTypes = []EntityType{
	EntityDonor,
	EntitySource,
	EntitySample,
	EntityDataset,
	EntityPublication,
	EntityUpload,
	EntityCollection,
	EntityEpicollection,
	EntityFile,
}

// EntityTypes returns every supported entity type.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// ParseEntityType matches s against the supported types case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	trimmed := strings.TrimSpace(s)
	for _, t := range entityTypes {
		if strings.EqualFold(string(t), trimmed) {
			return t, nil
		}
	}
	return "", ErrUnknownEntityType{Value: s}
}

// IsProvenanceRoot reports whether t sits at the top of a provenance chain.
func (t EntityType) IsProvenanceRoot() bool {
	return t == EntityDonor || t == EntitySource
}

// IsDatasetLike reports whether t carries a publication status and revision chain.
func (t EntityType) IsDatasetLike() bool {
	return t == EntityDataset || t == EntityPublication
}

// IsContainer reports whether t groups other entities without being part of the graph.
func (t EntityType) IsContainer() bool {
	return t == EntityUpload || t == EntityCollection || t == EntityEpicollection
}

// Relation names a directed edge query answered by the entity service.
type Relation string

// Supported relation queries.
const (
	RelAncestors         Relation = "ancestors"
	RelDescendants       Relation = "descendants"
	RelParents           Relation = "parents"
	RelChildren          Relation = "children"
	RelPreviousRevisions Relation = "previous_revisions"
	RelNextRevisions     Relation = "next_revisions"
	// RelCollections lists collections that embed the entity.
	RelCollections Relation = "collections"
	// RelUploads lists uploads that embed the entity.
	RelUploads Relation = "uploads"
)

// Lifecycle and visibility values used by the visibility predicate.
const (
	StatusPublished  = "published"
	AccessPublic     = "public"
	AccessConsortium = "consortium"
	VisibilityPublic = "public"
	CategoryOrgan    = "organ"
)

// Well-known document fields.
const (
	FieldUUID                  = "uuid"
	FieldEntityType            = "entity_type"
	FieldStatus                = "status"
	FieldDataAccessLevel       = "data_access_level"
	FieldSampleCategory        = "sample_category"
	FieldOrgan                 = "organ"
	FieldDatasetType           = "dataset_type"
	FieldDatasetUUID           = "dataset_uuid"
	FieldDisplaySubtype        = "display_subtype"
	FieldDonor                 = "donor"
	FieldSource                = "source"
	FieldAncestors             = "ancestors"
	FieldAncestorIDs           = "ancestor_ids"
	FieldDescendants           = "descendants"
	FieldDescendantIDs         = "descendant_ids"
	FieldImmediateAncestors    = "immediate_ancestors"
	FieldImmediateDescendants  = "immediate_descendants"
	FieldOriginSamples         = "origin_samples"
	FieldSourceSamples         = "source_samples"
	FieldDatasets              = "datasets"
	FieldNextRevisionUUID      = "next_revision_uuid"
	FieldNextRevisionUUIDs     = "next_revision_uuids"
	FieldPreviousRevisionUUIDs = "previous_revision_uuids"
	FieldLastModified          = "last_modified_timestamp"
	FieldCreated               = "created_timestamp"
)
