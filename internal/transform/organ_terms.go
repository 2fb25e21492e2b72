package transform

import (
	"context"

	"searchsync/pkg/domain"
)

// FieldMappedOrgan carries the taxonomy term for an organ code.
const FieldMappedOrgan = "mapped_organ"

// OrganTerms maps organ codes to taxonomy terms on the document and on its
// origin_samples. An organ sample with an unknown code is rejected.
type OrganTerms struct{}

func (OrganTerms) Name() string { return "organ_terms" }

func (OrganTerms) Transform(_ context.Context, doc domain.Document, res Resources) (domain.Document, error) {
	out := doc.Clone()
	if code := out.Str(domain.FieldOrgan); code != "" {
		term, ok := res.OrganTypes[code]
		if !ok && out.StrEqualFold(domain.FieldSampleCategory, domain.CategoryOrgan) {
			return nil, nil
		}
		if ok {
			out[FieldMappedOrgan] = term
		}
	}
	for _, s := range domain.Documents(out[domain.FieldOriginSamples]) {
		if term, ok := res.OrganTypes[s.Str(domain.FieldOrgan)]; ok {
			s[FieldMappedOrgan] = term
		}
	}
	return out, nil
}
