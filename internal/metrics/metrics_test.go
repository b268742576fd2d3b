package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	IncDecision("allow", "rule")
	IncDecision("allow", "rule")
	IncDecision("deny", "default")
	SetPending(3)
	SetEnforcementSessions(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(decisionsTotal.WithLabelValues("allow", "rule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(decisionsTotal.WithLabelValues("deny", "default")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pendingRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(enforcementSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["netgate_decisions_total"])
	assert.True(t, names["netgate_pending_requests"])
}
