package gbm

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/econcast/residual-cli/internal/model"
)

const artifactVersion = 1

// artifact is the on-disk JSON form of a Booster.
type artifact struct {
	Version       int               `json:"version"`
	Objective     string            `json:"objective"`
	FeatureNames  []string          `json:"feature_names"`
	Params        model.Params      `json:"params"`
	BaseScore     float64           `json:"base_score"`
	BestIteration int               `json:"best_iteration"`
	BestScore     float64           `json:"best_score"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Trees         []Tree            `json:"trees"`
}

// Save writes the booster as JSON to path, creating parent directories.
// The file is replaced atomically so a failed save never leaves a partial
// artifact behind.
func (b *Booster) Save(path string) error {
	a := artifact{
		Version:       artifactVersion,
		Objective:     Objective,
		FeatureNames:  b.Features,
		Params:        b.Params,
		BaseScore:     b.BaseScore,
		BestIteration: b.BestIteration,
		BestScore:     b.BestScore,
		Metadata:      b.Metadata,
		Trees:         b.Trees,
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return eris.Wrapf(model.ErrPersistence, "gbm: encode %s: %v", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(model.ErrPersistence, "gbm: create directory %s: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(model.ErrPersistence, "gbm: create temp file in %s: %v", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(model.ErrPersistence, "gbm: write %s: %v", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(model.ErrPersistence, "gbm: sync %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(model.ErrPersistence, "gbm: close %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(model.ErrPersistence, "gbm: rename to %s: %v", path, err)
	}
	return nil
}

// Load reads a booster saved by Save.
func Load(path string) (*Booster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(model.ErrPersistence, "gbm: read %s: %v", path, err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, eris.Wrapf(model.ErrPersistence, "gbm: decode %s: %v", path, err)
	}
	if err := a.validate(); err != nil {
		return nil, eris.Wrapf(model.ErrPersistence, "gbm: %s: %v", path, err)
	}
	return &Booster{
		Features:      a.FeatureNames,
		Params:        a.Params,
		BaseScore:     a.BaseScore,
		Trees:         a.Trees,
		BestIteration: a.BestIteration,
		BestScore:     a.BestScore,
		Metadata:      a.Metadata,
	}, nil
}

func (a *artifact) validate() error {
	if a.Version != artifactVersion {
		return eris.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Objective != Objective {
		return eris.Errorf("unsupported objective %q", a.Objective)
	}
	if len(a.FeatureNames) == 0 {
		return eris.New("artifact lists no features")
	}
	for ti, t := range a.Trees {
		if len(t.Nodes) == 0 {
			return eris.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				continue
			}
			if n.Feature >= len(a.FeatureNames) {
				return eris.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			// Children always follow their parent, which also rules out cycles.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return eris.Errorf("tree %d node %d: invalid child index", ti, ni)
			}
		}
	}
	return nil
}
