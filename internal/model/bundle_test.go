package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBundle builds a small valid two-tree ensemble over three features.
func testBundle() *Bundle {
	return &Bundle{
		Version:      "fraud-test-1",
		TrainedAt:    time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		FeatureNames: []string{"a", "b", "c"},
		Baselines:    []float64{0, 0, 0},
		BaseScore:    -1.0,
		Trees: []Tree{
			{Nodes: []Node{
				{Feature: 0, Threshold: 5, Left: 1, Right: 2},
				{Leaf: true, Value: -0.5},
				{Leaf: true, Value: 1.5},
			}},
			{Nodes: []Node{
				{Feature: 2, Threshold: 0.5, Left: 1, Right: 2},
				{Leaf: true, Value: 0.0},
				{Leaf: true, Value: 0.8},
			}},
		},
	}
}

func writeBundle(t *testing.T, b *Bundle) string {
	t.Helper()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadValidBundle(t *testing.T) {
	path := writeBundle(t, testBundle())

	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fraud-test-1", b.Version)
	assert.Equal(t, 3, b.FeatureCount())
	assert.Len(t, b.Trees, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestLoadRejectsDefects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Bundle)
	}{
		{"missing version", func(b *Bundle) { b.Version = "" }},
		{"no trees", func(b *Bundle) { b.Trees = nil }},
		{"no feature names", func(b *Bundle) { b.FeatureNames = nil; b.Baselines = nil }},
		{"baseline count mismatch", func(b *Bundle) { b.Baselines = b.Baselines[:1] }},
		{"feature out of range", func(b *Bundle) { b.Trees[0].Nodes[0].Feature = 99 }},
		{"backward child pointer", func(b *Bundle) { b.Trees[0].Nodes[0].Left = 0 }},
		{"child out of range", func(b *Bundle) { b.Trees[0].Nodes[0].Right = 42 }},
		{"empty tree", func(b *Bundle) { b.Trees[1].Nodes = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBundle()
			tt.mutate(b)
			_, err := Load(writeBundle(t, b))
			assert.ErrorIs(t, err, ErrInvalidBundle)
		})
	}
}

func TestProbability(t *testing.T) {
	b := testBundle()

	// a=10 → right leaf 1.5; c=1 → right leaf 0.8; margin = -1 + 1.5 + 0.8 = 1.3
	p, err := b.Probability([]float64{10, 0, 1})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(1.3), p, 1e-12)

	// a=1 → left leaf -0.5; c=0 → left leaf 0; margin = -1.5
	p, err = b.Probability([]float64{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(-1.5), p, 1e-12)
}

func TestProbabilityDeterministic(t *testing.T) {
	b := testBundle()
	values := []float64{3.7, -1.2, 0.4}

	p1, err := b.Probability(values)
	require.NoError(t, err)
	p2, err := b.Probability(values)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestProbabilitySchemaMismatch(t *testing.T) {
	b := testBundle()
	_, err := b.Probability([]float64{1, 2})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}
