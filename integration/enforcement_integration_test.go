//go:build integration
// +build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/database"
	"github.com/Wikid82/netgate/internal/enforcement"
)

const testParent = "NETGATE-ITEST"

// TestEnforcementIntegration applies and removes a session against the real
// iptables binary. It needs root and is gated behind the `integration` tag.
// The parent chain is private to the test so the host's forwarding rules are
// never touched.
func TestEnforcementIntegration(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	bin, err := exec.LookPath("iptables")
	if err != nil {
		t.Skip("iptables not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	runner := enforcement.NewExecRunner(bin)
	if _, err := runner.Run(ctx, "-N", testParent); err != nil {
		t.Skipf("cannot create test chain: %v", err)
	}
	t.Cleanup(func() {
		_, _ = runner.Run(context.Background(), "-F", testParent)
		_, _ = runner.Run(context.Background(), "-X", testParent)
	})

	cfg := config.Defaults().Enforcement
	cfg.Enabled = true
	cfg.ParentChain = testParent
	cfg.IPTablesPath = bin
	cfg.ProxyAddr = "172.30.0.2"
	cfg.ReconcileSchedule = ""

	m := enforcement.NewManager(cfg, database.OpenTestDB(t), runner, nil)
	require.NoError(t, m.Start(ctx))
	require.True(t, m.Enforced(), m.Status().Reason)

	before, err := runner.Run(ctx, "-S")
	require.NoError(t, err)

	session, err := m.Apply(ctx, "172.30.0.10")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.Chain, enforcement.ChainPrefix))

	out, err := runner.Run(ctx, "-S", testParent)
	require.NoError(t, err)
	assert.Contains(t, out, "-j "+session.Chain)
	out, err = runner.Run(ctx, "-S", session.Chain)
	require.NoError(t, err)
	assert.Contains(t, out, "-j DROP")

	require.NoError(t, m.Teardown(ctx, "172.30.0.10"))
	after, err := runner.Run(ctx, "-S")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, m.Stop(ctx))
}
