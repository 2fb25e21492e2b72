package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/pkg/domain"
)

const exclusionsYAML = `
Donor:
  - lab_donor_id
  - metadata:
      - living_donor_data
Sample:
  - lab_tissue_sample_id
Dataset:
  - contacts
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	ex, err := ParseExclusions([]byte(exclusionsYAML))
	require.NoError(t, err)
	e, err := New(
		map[string]map[string]string{
			"portal":   {"uuid": "IndexDoc", "organ": "CalcOnly", "donor": "IndexDoc"},
			"entities": {},
		},
		map[string]map[string]string{"Donor": {"lab_donor_id": "lab_id"}},
		ex,
	)
	require.NoError(t, err)
	return e
}

func TestIsRetained(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, IndexDoc, e.IsRetained("donor", "portal"))
	assert.Equal(t, CalcOnly, e.IsRetained("organ", "portal"))
	assert.Equal(t, Excluded, e.IsRetained("secret", "portal"))
	assert.Equal(t, IndexDoc, e.IsRetained("secret", "entities"))
	assert.Equal(t, IndexDoc, e.IsRetained("anything", "unconfigured"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(map[string]map[string]string{"g": {"f": "Sometimes"}}, nil, nil)
	require.Error(t, err)
	_, err = New(nil, map[string]map[string]string{"Organism": {"a": "b"}}, nil)
	require.Error(t, err)
}

func TestRenames(t *testing.T) {
	e := newEngine(t)
	doc := domain.Document{"lab_donor_id": "L1", "uuid": "d"}
	e.ApplyRenames(doc, domain.EntityDonor)
	assert.Equal(t, domain.Document{"lab_id": "L1", "uuid": "d"}, doc)

	table := e.RenameTable(domain.EntityDonor)
	table["x"] = "y"
	assert.NotContains(t, e.RenameTable(domain.EntityDonor), "x")
}

func TestSupplementIsIdempotent(t *testing.T) {
	e := newEngine(t)
	once := e.PublicExclusions(domain.EntityDataset)
	e.Supplement()
	twice := e.PublicExclusions(domain.EntityDataset)
	assert.Equal(t, once, twice)

	// Dataset own rule plus donor, source, origin_samples, source_samples and datasets.
	assert.Len(t, once, 6)
}

func TestSupplementedRulesApplyInsideEmbeddedRelations(t *testing.T) {
	e := newEngine(t)
	doc := domain.Document{
		"uuid":     "x",
		"contacts": []any{"someone"},
		"donor": map[string]any{
			"uuid":         "d",
			"lab_donor_id": "L1",
			"metadata":     map[string]any{"living_donor_data": []any{1}, "age": 40},
		},
		"origin_samples": []any{
			map[string]any{"uuid": "s", "lab_tissue_sample_id": "T1"},
		},
	}
	RemoveFields(doc, e.PublicExclusions(domain.EntityDataset))

	assert.NotContains(t, doc, "contacts")
	donor := doc["donor"].(map[string]any)
	assert.NotContains(t, donor, "lab_donor_id")
	assert.Equal(t, map[string]any{"age": 40}, donor["metadata"])
	assert.Equal(t, map[string]any{"uuid": "s"}, doc["origin_samples"].([]any)[0])
}

func TestRemoveFieldsShapes(t *testing.T) {
	rules, err := ParseRules([]any{
		"a",
		[]any{"b"},
		map[string]any{"nested": []any{"c", map[any]any{"deeper": "d"}}},
	})
	require.NoError(t, err)

	doc := map[string]any{
		"a": 1, "b": 2, "keep": 3,
		"nested": []any{
			map[string]any{"c": 1, "e": 2, "deeper": []any{map[string]any{"d": 1, "f": 2}}},
			"scalar",
		},
	}
	RemoveFields(doc, rules)
	assert.Equal(t, map[string]any{
		"keep": 3,
		"nested": []any{
			map[string]any{"e": 2, "deeper": []any{map[string]any{"f": 2}}},
			"scalar",
		},
	}, doc)

	_, err = ParseRules(42)
	require.Error(t, err)
}

func TestParseExclusionsSchemaLayout(t *testing.T) {
	ex, err := ParseExclusions([]byte(`
ENTITIES:
  Sample:
    excluded_properties_from_public_response:
      - lab_tissue_sample_id
  Upload:
    description: no exclusions here
`))
	require.NoError(t, err)
	require.Len(t, ex, 1)
	assert.Equal(t, RuleSet{Leaf("lab_tissue_sample_id")}, ex[domain.EntitySample])

	_, err = ParseExclusions([]byte(`Organism: [a]`))
	require.Error(t, err)

	_, err = ParseExclusions([]byte(`Donor: [12]`))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Donor: "), err.Error())
}
