package dataset

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/econcast/residual-cli/internal/model"
)

// Schema declares which columns feed the model. With an empty Include list
// every numeric column not in Exclude (or reserved) becomes a feature.
type Schema struct {
	Include []string `yaml:"include" json:"include,omitempty"`
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
}

// LoadSchema reads a YAML feature schema file.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, eris.Wrapf(err, "dataset: read schema %s", path)
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, eris.Wrapf(err, "dataset: parse schema %s", path)
	}
	return s, nil
}

// Declared reports whether the schema names its features explicitly.
func (s Schema) Declared() bool {
	return len(s.Include) > 0
}

// Resolve returns the ordered feature list for ds.
func (s Schema) Resolve(ds *Dataset, cols Columns) ([]string, error) {
	reserved := cols.reserved()

	if s.Declared() {
		numeric := make(map[string]bool, len(ds.Numeric))
		for _, n := range ds.Numeric {
			numeric[n] = true
		}
		skipped := make(map[string]bool, len(ds.Skipped))
		for _, n := range ds.Skipped {
			skipped[n] = true
		}

		seen := make(map[string]bool, len(s.Include))
		out := make([]string, 0, len(s.Include))
		for _, f := range s.Include {
			switch {
			case reserved[f]:
				return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: feature %q is a reserved column", f)
			case seen[f]:
				return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: feature %q declared twice", f)
			case skipped[f]:
				return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: feature %q is not numeric", f)
			case !numeric[f]:
				return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: feature %q not found in history", f)
			}
			seen[f] = true
			out = append(out, f)
		}
		return out, nil
	}

	excluded := make(map[string]bool, len(s.Exclude))
	for _, e := range s.Exclude {
		excluded[e] = true
	}
	var out []string
	for _, n := range ds.Numeric {
		if reserved[n] || excluded[n] {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, eris.Wrap(model.ErrDataIntegrity, "dataset: no numeric feature columns left after exclusions")
	}
	return out, nil
}
