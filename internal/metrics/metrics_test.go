package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Negotiations.WithLabelValues("sent").Inc()
	m.CandidatesDropped.Add(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Negotiations.WithLabelValues("sent")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CandidatesDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshcall_negotiations_total"])
	assert.True(t, names["meshcall_candidates_dropped_total"])
}

func TestNopDoesNotPanicTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().PeersActive.Inc()
		Nop().PeersActive.Inc()
	})
}
