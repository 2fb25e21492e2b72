package compose

import (
	"strings"
	"unicode"

	"searchsync/pkg/domain"
)

// displaySubtype derives the display_subtype value for doc.
func displaySubtype(doc domain.Document, et domain.EntityType, organs map[string]string) string {
	switch et {
	case domain.EntityUpload:
		return "Data Upload"
	case domain.EntityDonor:
		return "Donor"
	case domain.EntitySource:
		return "Source"
	case domain.EntitySample:
		if doc.StrEqualFold(domain.FieldSampleCategory, domain.CategoryOrgan) {
			code := doc.Str(domain.FieldOrgan)
			if term, ok := organs[code]; ok && term != "" {
				return term
			}
			return code
		}
		return capitalize(doc.Str(domain.FieldSampleCategory))
	case domain.EntityDataset, domain.EntityPublication:
		return datasetType(doc[domain.FieldDatasetType])
	case domain.EntityCollection, domain.EntityEpicollection, domain.EntityFile:
		return string(et)
	}
	return ""
}

func datasetType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		// older snapshots carry a list of assay types
		parts := domain.Strings(t)
		return strings.Join(parts, ", ")
	}
	return ""
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
