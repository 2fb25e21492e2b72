package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	yaml "go.yaml.in/yaml/v2"

	"searchsync/pkg/domain"
)

// File is the index group YAML document.
//
//	index_groups:
//	  entities:
//	    public: hm_consortium_entities_public
//	    private: hm_consortium_entities
//	    retention:
//	      uuid: IndexDoc
//	      sample_category: CalcOnly
//	  portal:
//	    public: hm_prod_portal
//	    private: hm_prod_consortium_portal
//	    transformer: organ_terms
//	    immediate_relations: true
//	renames:
//	  Donor:
//	    lab_donor_id: lab_id
type File struct {
	IndexGroups map[string]GroupFile         `yaml:"index_groups"`
	Renames     map[string]map[string]string `yaml:"renames"`
	dir         string
}

// GroupFile is one index group entry.
type GroupFile struct {
	domain.IndexGroup `yaml:",inline"`
	Retention         map[string]string `yaml:"retention"`
}

// LoadFile reads and validates the index group YAML.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "read index group config")
	}
	f, err := ParseFile(b)
	if err != nil {
		return File{}, errors.Wrapf(err, "parse %s", path)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// ParseFile decodes index group YAML.
func ParseFile(b []byte) (File, error) {
	var f File
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return File{}, err
	}
	if len(f.IndexGroups) == 0 {
		return File{}, errors.New("no index_groups defined")
	}
	seen := make(map[string]string)
	for name, g := range f.IndexGroups {
		if g.PublicIndex == "" || g.PrivateIndex == "" {
			return File{}, fmt.Errorf("index group %s: public and private index names are required", name)
		}
		for _, idx := range []string{g.PublicIndex, g.PrivateIndex} {
			if other, dup := seen[idx]; dup {
				return File{}, fmt.Errorf("index %s used by both %s and %s", idx, other, name)
			}
			seen[idx] = name
		}
	}
	return f, nil
}

// Groups returns the index groups sorted by name.
func (f File) Groups() []domain.IndexGroup {
	names := make([]string, 0, len(f.IndexGroups))
	for name := range f.IndexGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.IndexGroup, 0, len(names))
	for _, name := range names {
		g := f.IndexGroups[name].IndexGroup
		g.Name = name
		if g.MappingFile != "" && !filepath.IsAbs(g.MappingFile) && f.dir != "" {
			g.MappingFile = filepath.Join(f.dir, g.MappingFile)
		}
		out = append(out, g)
	}
	return out
}

// Retention returns the raw retention table of every group.
func (f File) Retention() map[string]map[string]string {
	out := make(map[string]map[string]string, len(f.IndexGroups))
	for name, g := range f.IndexGroups {
		table := make(map[string]string, len(g.Retention))
		for field, class := range g.Retention {
			table[field] = class
		}
		out[name] = table
	}
	return out
}

// LoadMapping reads an index settings/mappings JSON body. An empty path yields nil.
func LoadMapping(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read mapping file")
	}
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, errors.Wrapf(err, "decode mapping file %s", path)
	}
	return body, nil
}

// LoadOrganTypes reads an organ code -> term YAML map. An empty path yields an empty map.
func LoadOrganTypes(path string) (map[string]string, error) {
	out := make(map[string]string)
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read organ types")
	}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrapf(err, "decode organ types %s", path)
	}
	return out, nil
}
