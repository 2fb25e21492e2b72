// Package policy holds the per-index-group field retention tables, per-type rename
// maps, and the public exclusion rules applied to composed documents.
package policy

import (
	"strings"

	"github.com/pkg/errors"

	"searchsync/pkg/domain"
)

// Retention classifies a top-level field for one index group.
type Retention int

const (
	// Excluded fields never reach the index.
	Excluded Retention = iota
	// IndexDoc fields are written to the index.
	IndexDoc
	// CalcOnly fields are available while composing and stripped before write.
	CalcOnly
)

func (r Retention) String() string {
	switch r {
	case IndexDoc:
		return "IndexDoc"
	case CalcOnly:
		return "CalcOnly"
	default:
		return "Excluded"
	}
}

// ParseRetention parses IndexDoc or CalcOnly, case-insensitively.
func ParseRetention(s string) (Retention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "indexdoc":
		return IndexDoc, nil
	case "calconly":
		return CalcOnly, nil
	}
	return Excluded, errors.Errorf("unknown retention class %q", s)
}

// Engine is immutable after New and safe for concurrent use.
type Engine struct {
	retention  map[string]map[string]Retention
	renames    map[domain.EntityType]map[string]string
	base       map[domain.EntityType]RuleSet
	exclusions map[domain.EntityType]RuleSet
}

// New builds an engine from raw retention tables (group -> field -> class), rename
// tables keyed by entity type name, and the base public exclusion table. The
// exclusion table is supplemented once here.
func New(retention map[string]map[string]string, renames map[string]map[string]string, exclusions map[domain.EntityType]RuleSet) (*Engine, error) {
	e := &Engine{
		retention: make(map[string]map[string]Retention, len(retention)),
		renames:   make(map[domain.EntityType]map[string]string, len(renames)),
		base:      make(map[domain.EntityType]RuleSet, len(exclusions)),
	}
	for group, table := range retention {
		parsed := make(map[string]Retention, len(table))
		for field, class := range table {
			r, err := ParseRetention(class)
			if err != nil {
				return nil, errors.Wrapf(err, "index group %s field %s", group, field)
			}
			parsed[field] = r
		}
		e.retention[group] = parsed
	}
	for typ, table := range renames {
		et, err := domain.ParseEntityType(typ)
		if err != nil {
			return nil, errors.Wrap(err, "renames")
		}
		cp := make(map[string]string, len(table))
		for from, to := range table {
			cp[from] = to
		}
		e.renames[et] = cp
	}
	for et, rs := range exclusions {
		e.base[et] = rs.clone()
	}
	e.Supplement()
	return e, nil
}

// IsRetained classifies field for group. A group without a retention table keeps
// every field.
func (e *Engine) IsRetained(field, group string) Retention {
	table := e.retention[group]
	if len(table) == 0 {
		return IndexDoc
	}
	if field == domain.FieldUUID {
		return IndexDoc
	}
	return table[field]
}

// RenameTable returns a copy of the rename map for et.
func (e *Engine) RenameTable(et domain.EntityType) map[string]string {
	out := make(map[string]string, len(e.renames[et]))
	for k, v := range e.renames[et] {
		out[k] = v
	}
	return out
}

// ApplyRenames moves renamed fields of doc in place.
func (e *Engine) ApplyRenames(doc domain.Document, et domain.EntityType) {
	for from, to := range e.renames[et] {
		if v, ok := doc[from]; ok {
			delete(doc, from)
			doc[to] = v
		}
	}
}

// PublicExclusions returns the supplemented public exclusion rules for et.
func (e *Engine) PublicExclusions(et domain.EntityType) RuleSet {
	return e.exclusions[et].clone()
}

// Supplement derives the embedded-relation rules from the base table: Donor and
// Source rules apply inside donor/source, Sample rules inside origin_samples and
// source_samples, and Dataset rules inside datasets. It always recomputes from the
// base table, so repeated calls yield the same result.
func (e *Engine) Supplement() {
	roots := append(e.base[domain.EntityDonor].clone(), e.base[domain.EntitySource].clone()...)
	samples := e.base[domain.EntitySample]
	datasets := e.base[domain.EntityDataset]

	var derived RuleSet
	if len(roots) > 0 {
		derived = append(derived, Within(domain.FieldDonor, roots), Within(domain.FieldSource, roots.clone()))
	}
	if len(samples) > 0 {
		derived = append(derived, Within(domain.FieldOriginSamples, samples.clone()), Within(domain.FieldSourceSamples, samples.clone()))
	}
	if len(datasets) > 0 {
		derived = append(derived, Within(domain.FieldDatasets, datasets.clone()))
	}

	out := make(map[domain.EntityType]RuleSet, len(domain.EntityTypes()))
	for _, et := range domain.EntityTypes() {
		rs := e.base[et].clone()
		rs = append(rs, derived.clone()...)
		if len(rs) > 0 {
			out[et] = rs
		}
	}
	e.exclusions = out
}
