package policy

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	yaml "go.yaml.in/yaml/v2"

	"searchsync/pkg/domain"
)

// Rule removes one field. When Nested is set the rule instead descends into each
// named field and applies the nested rule set there.
type Rule struct {
	Field  string
	Nested map[string]RuleSet
}

// RuleSet is an ordered list of removal rules.
type RuleSet []Rule

// Leaf returns a rule removing field.
func Leaf(field string) Rule { return Rule{Field: field} }

// Within returns a rule applying rules inside field.
func Within(field string, rules RuleSet) Rule {
	return Rule{Nested: map[string]RuleSet{field: rules}}
}

func (rs RuleSet) clone() RuleSet {
	if rs == nil {
		return nil
	}
	out := make(RuleSet, len(rs))
	for i, r := range rs {
		out[i] = Rule{Field: r.Field}
		if r.Nested != nil {
			out[i].Nested = make(map[string]RuleSet, len(r.Nested))
			for k, v := range r.Nested {
				out[i].Nested[k] = v.clone()
			}
		}
	}
	return out
}

// RemoveFields deletes the fields named by rules from v in place. Lists are
// processed element-wise, leaf rules remove the key when present, and nested rules
// recurse only inside the named field's value.
func RemoveFields(v any, rules RuleSet) {
	switch val := v.(type) {
	case domain.Document:
		removeFromMap(val, rules)
	case map[string]any:
		removeFromMap(val, rules)
	case []any:
		for _, item := range val {
			RemoveFields(item, rules)
		}
	case []domain.Document:
		for _, item := range val {
			removeFromMap(item, rules)
		}
	case []map[string]any:
		for _, item := range val {
			removeFromMap(item, rules)
		}
	}
}

func removeFromMap(m map[string]any, rules RuleSet) {
	for _, r := range rules {
		if r.Nested == nil {
			delete(m, r.Field)
			continue
		}
		for field, sub := range r.Nested {
			if inner, ok := m[field]; ok {
				RemoveFields(inner, sub)
			}
		}
	}
}

// ParseRules converts a decoded YAML/JSON value into a rule set: a string is a
// leaf, a list is flattened, and a mapping becomes nested rules.
func ParseRules(v any) (RuleSet, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return RuleSet{Leaf(val)}, nil
	case []any:
		var out RuleSet
		for _, item := range val {
			rs, err := ParseRules(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rs...)
		}
		return out, nil
	case map[any]any:
		m, err := stringKeys(val)
		if err != nil {
			return nil, err
		}
		return ParseRules(m)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out RuleSet
		for _, k := range keys {
			sub, err := ParseRules(val[k])
			if err != nil {
				return nil, errors.Wrapf(err, "field %s", k)
			}
			out = append(out, Within(k, sub))
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported exclusion rule of type %T", v)
	}
}

func stringKeys(m map[any]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		ks, ok := k.(string)
		if !ok {
			return nil, errors.Errorf("non-string key %v", k)
		}
		out[ks] = v
	}
	return out, nil
}

// LoadExclusions reads the public exclusion table from a YAML file.
func LoadExclusions(path string) (map[domain.EntityType]RuleSet, error) {
	if path == "" {
		return map[domain.EntityType]RuleSet{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read exclusions")
	}
	out, err := ParseExclusions(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return out, nil
}

// ParseExclusions accepts either a flat `Type: [rules]` mapping or the schema
// layout `ENTITIES: {Type: {excluded_properties_from_public_response: [rules]}}`.
func ParseExclusions(b []byte) (map[domain.EntityType]RuleSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "decode exclusions")
	}
	if ents, ok := raw["ENTITIES"]; ok {
		m, ok := asStringMap(ents)
		if !ok {
			return nil, errors.New("ENTITIES must be a mapping")
		}
		raw = make(map[string]any, len(m))
		for typ, def := range m {
			dm, ok := asStringMap(def)
			if !ok {
				continue
			}
			if rules, ok := dm["excluded_properties_from_public_response"]; ok {
				raw[typ] = rules
			}
		}
	}
	out := make(map[domain.EntityType]RuleSet, len(raw))
	for typ, v := range raw {
		et, err := domain.ParseEntityType(typ)
		if err != nil {
			return nil, err
		}
		rs, err := ParseRules(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", typ)
		}
		out[et] = rs
	}
	return out, nil
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out, err := stringKeys(m)
		return out, err == nil
	}
	return nil, false
}
