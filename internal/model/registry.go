package model

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cryptoguard",
	Subsystem: "model",
	Name:      "reloads_total",
	Help:      "Model bundle load attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(reloadsTotal)
}

// Registry owns the currently loaded bundle. Swaps are atomic: in-flight
// scoring calls keep the pointer they started with, and new calls observe
// the replacement immediately after Reload returns. Readers never block
// and never see a partially loaded bundle.
type Registry struct {
	schema  []string // feature ordering the serving engine computes
	current atomic.Pointer[Bundle]
}

// NewRegistry creates an empty registry bound to the given feature schema.
// Every bundle loaded through it must have been trained on exactly this
// ordering; anything else is a configuration defect caught at load time.
func NewRegistry(schema []string) *Registry {
	s := make([]string, len(schema))
	copy(s, schema)
	return &Registry{schema: s}
}

// Current returns the loaded bundle, or ErrUnavailable if none is loaded.
func (r *Registry) Current() (*Bundle, error) {
	b := r.current.Load()
	if b == nil {
		return nil, ErrUnavailable
	}
	return b, nil
}

// Reload loads, validates, and atomically installs the bundle at path.
// On any failure the previous bundle (if any) remains active.
func (r *Registry) Reload(path string) error {
	b, err := Load(path)
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := r.Install(b); err != nil {
		return err
	}
	return nil
}

// Install validates a bundle against the registry's schema and swaps it in.
func (r *Registry) Install(b *Bundle) error {
	if err := r.checkSchema(b); err != nil {
		reloadsTotal.WithLabelValues("schema_mismatch").Inc()
		return err
	}
	r.current.Store(b)
	reloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

// checkSchema rejects bundles whose feature names differ in count, name, or
// order from the serving schema. This is the guard against silent
// feature/model drift between training and serving.
func (r *Registry) checkSchema(b *Bundle) error {
	if len(b.FeatureNames) != len(r.schema) {
		return fmt.Errorf("%w: bundle has %d features, engine computes %d",
			ErrInvalidBundle, len(b.FeatureNames), len(r.schema))
	}
	for i, name := range b.FeatureNames {
		if name != r.schema[i] {
			return fmt.Errorf("%w: feature %d is %q, engine computes %q",
				ErrInvalidBundle, i, name, r.schema[i])
		}
	}
	return nil
}
