package domain

import (
	"fmt"
	"strings"
)

// Document is a schema-flexible JSON object: either an entity snapshot returned by
// the entity service or a composed search document.
type Document map[string]any

// UUID returns the document identifier or the empty string.
func (d Document) UUID() string {
	return d.Str(FieldUUID)
}

// EntityType parses the document's entity_type field.
func (d Document) EntityType() (EntityType, error) {
	raw, ok := d[FieldEntityType]
	if !ok {
		return "", ErrUnknownEntityType{Value: ""}
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrUnknownEntityType{Value: fmt.Sprint(raw)}
	}
	return ParseEntityType(s)
}

// Str returns the string value stored at key, or "" when absent or not a string.
func (d Document) Str(key string) string {
	if d == nil {
		return ""
	}
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether key is present with a non-nil value.
func (d Document) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// StrEqualFold compares the string at key to want, ignoring case and surrounding space.
func (d Document) StrEqualFold(key, want string) bool {
	return strings.EqualFold(strings.TrimSpace(d.Str(key)), want)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Pick returns a shallow copy containing only the keys accepted by keep.
func (d Document) Pick(keep func(key string) bool) Document {
	out := make(Document, len(d))
	for k, v := range d {
		if keep(k) {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Documents converts a JSON value holding a list of objects into documents.
// Elements that are not objects are dropped.
func Documents(v any) []Document {
	switch list := v.(type) {
	case []Document:
		return list
	case []map[string]any:
		out := make([]Document, 0, len(list))
		for _, m := range list {
			out = append(out, Document(m))
		}
		return out
	case []any:
		out := make([]Document, 0, len(list))
		for _, item := range list {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, Document(m))
			case Document:
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// Strings converts a JSON value holding a string or list of strings.
func Strings(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []Document:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
