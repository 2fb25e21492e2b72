package domain

// IndexGroup is a named configuration unit that owns one public and one private
// search index, an optional transformer, and a field-retention table (held by the
// policy engine under the same name).
type IndexGroup struct {
	Name         string `yaml:"-" json:"name"`
	PublicIndex  string `yaml:"public" json:"public"`
	PrivateIndex string `yaml:"private" json:"private"`
	Transformer  string `yaml:"transformer,omitempty" json:"transformer,omitempty"`
	// ImmediateRelations adds immediate_ancestors/immediate_descendants summaries.
	ImmediateRelations bool   `yaml:"immediate_relations,omitempty" json:"immediate_relations,omitempty"`
	MappingFile        string `yaml:"mapping_file,omitempty" json:"mapping_file,omitempty"`
}

// Pair returns the group's live index names.
func (g IndexGroup) Pair() IndexPair {
	return IndexPair{Public: g.PublicIndex, Private: g.PrivateIndex}
}

// IndexPair names the public and private index a group writes to.
type IndexPair struct {
	Public  string `json:"public"`
	Private string `json:"private"`
}

// Names returns the non-empty index names of the pair.
func (p IndexPair) Names() []string {
	out := make([]string, 0, 2)
	if p.Public != "" {
		out = append(out, p.Public)
	}
	if p.Private != "" {
		out = append(out, p.Private)
	}
	return out
}
