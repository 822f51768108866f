package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Mentions.Add(3)
	m.Decisions.WithLabelValues("DEFER").Inc()
	m.ObserveCheckpoint(time.Now())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Mentions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("DEFER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Discard()
		_ = Discard()
	})
}
