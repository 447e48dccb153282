// Package model owns the loaded fraud classifier: a gradient-boosted tree
// ensemble serialized as JSON plus its version metadata. Bundles are
// immutable after load and replaced wholesale by the registry; scoring never
// observes a partially loaded model.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

var (
	// ErrUnavailable is returned when no bundle has been loaded.
	ErrUnavailable = errors.New("no model bundle loaded")

	// ErrInvalidBundle wraps any structural or schema defect found at load
	// time. A reload that fails with this keeps the previous bundle active.
	ErrInvalidBundle = errors.New("invalid model bundle")

	// ErrSchemaMismatch indicates a feature vector whose length does not
	// match what the bundle was trained on.
	ErrSchemaMismatch = errors.New("feature vector does not match model schema")
)

// Node is one decision node in a tree, stored in a flat array.
// Leaf nodes carry the output value; internal nodes split on
// values[Feature] < Threshold (left) or >= Threshold (right).
type Node struct {
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// Tree is a single regression tree in the ensemble.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Bundle is a loaded classifier plus its training metadata.
// Immutable after load.
type Bundle struct {
	Version      string    `json:"version"`
	TrainedAt    time.Time `json:"trainedAt"`
	FeatureNames []string  `json:"featureNames"`
	Baselines    []float64 `json:"baselines"` // per-feature training medians, used for attribution
	BaseScore    float64   `json:"baseScore"` // logit offset
	Trees        []Tree    `json:"trees"`
}

// Load reads and structurally validates a bundle from a JSON file.
// Any defect is reported as ErrInvalidBundle; schema agreement with the
// feature engine is checked separately by the registry.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidBundle, path, err)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidBundle, path, err)
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// validate checks internal consistency: non-empty metadata, complete
// baselines, and every tree node referencing valid features and children.
func (b *Bundle) validate() error {
	if b.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidBundle)
	}
	if len(b.FeatureNames) == 0 {
		return fmt.Errorf("%w: missing feature names", ErrInvalidBundle)
	}
	if len(b.Baselines) != len(b.FeatureNames) {
		return fmt.Errorf("%w: %d baselines for %d features",
			ErrInvalidBundle, len(b.Baselines), len(b.FeatureNames))
	}
	if len(b.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidBundle)
	}

	for ti, tree := range b.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrInvalidBundle, ti)
		}
		for ni, n := range tree.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(b.FeatureNames) {
				return fmt.Errorf("%w: tree %d node %d references feature %d",
					ErrInvalidBundle, ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(tree.Nodes) ||
				n.Right <= ni || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("%w: tree %d node %d has invalid children",
					ErrInvalidBundle, ti, ni)
			}
		}
	}
	return nil
}

// FeatureCount returns the number of features the bundle expects.
func (b *Bundle) FeatureCount() int {
	return len(b.FeatureNames)
}

// Probability runs the ensemble on a feature vector and returns the
// calibrated fraud probability in [0, 1]. Deterministic: identical inputs
// always produce bit-identical output.
func (b *Bundle) Probability(values []float64) (float64, error) {
	if len(values) != len(b.FeatureNames) {
		return 0, fmt.Errorf("%w: got %d values, model expects %d",
			ErrSchemaMismatch, len(values), len(b.FeatureNames))
	}

	margin := b.BaseScore
	for _, tree := range b.Trees {
		margin += tree.output(values)
	}
	return sigmoid(margin), nil
}

// output walks the tree from the root to a leaf. Child indices always point
// forward (enforced at load), so traversal terminates.
func (t *Tree) output(values []float64) float64 {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return n.Value
		}
		if values[n.Feature] < n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
