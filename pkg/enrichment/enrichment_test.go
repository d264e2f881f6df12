package enrichment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataflow/strataflow/pkg/errors"
	"github.com/strataflow/strataflow/pkg/models"
)

type stub struct {
	name   string
	result *Result
	err    error
	called *bool
}

func (s stub) Name() string { return s.name }
func (s stub) Enrich(ctx context.Context, batch []*models.Record) (*Result, error) {
	if s.called != nil {
		*s.called = true
	}
	return s.result, s.err
}

func TestChainMergesResults(t *testing.T) {
	chain := Chain{
		stub{name: "pii", result: &Result{PIIFlags: []string{"email", "phone"}, QualityScore: 1}},
		stub{name: "quality", result: &Result{Degraded: true, QualityScore: 0.6, PIIFlags: []string{"email"}}},
		stub{name: "annotate", result: &Result{QualityScore: 0.9, Metadata: map[string]interface{}{"source_tz": "UTC"}}},
	}

	res, err := chain.Enrich(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	// Minimum score across the chain
	assert.InDelta(t, 0.6, res.QualityScore, 0.001)
	// PII flags union without duplicates
	assert.Equal(t, []string{"email", "phone"}, res.PIIFlags)
	assert.Equal(t, "UTC", res.Metadata["source_tz"])
}

func TestChainStopsOnHardError(t *testing.T) {
	secondCalled := false
	chain := Chain{
		stub{name: "broken", err: errors.New(errors.ErrorTypeInternal, "invariant violated")},
		stub{name: "after", result: &Result{QualityScore: 1}, called: &secondCalled},
	}

	_, err := chain.Enrich(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, secondCalled)
}

func TestChainTolerantOfNilResults(t *testing.T) {
	chain := Chain{
		stub{name: "silent"},
	}

	res, err := chain.Enrich(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.InDelta(t, 1.0, res.QualityScore, 0.001)
}

func TestNoopPassesThrough(t *testing.T) {
	res, err := Noop{}.Enrich(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.InDelta(t, 1.0, res.QualityScore, 0.001)
}
