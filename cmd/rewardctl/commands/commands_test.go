package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandUse(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		name string
	}{
		{NewMigrateCmd(), "migrate"},
		{NewAccrueCmd(), "accrue"},
		{NewAutoClaimCmd(), "auto-claim"},
		{NewSettleCmd(), "settle"},
		{NewRecomputeStatsCmd(), "recompute-stats"},
		{NewAccountCmd(), "account"},
		{NewReleaseSettlementCmd(), "release-settlement"},
		{NewFinalizeUnstakeCmd(), "finalize-unstake"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.cmd)
			assert.Equal(t, tt.name, tt.cmd.Name())
			assert.NotEmpty(t, tt.cmd.Short)
			assert.NotNil(t, tt.cmd.RunE)
		})
	}
}

func TestAutoClaimForceFlag(t *testing.T) {
	cmd := NewAutoClaimCmd()

	flag := cmd.Flags().Lookup("force")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestArgumentValidation(t *testing.T) {
	assert.Error(t, NewReleaseSettlementCmd().Args(nil, []string{}))
	assert.NoError(t, NewReleaseSettlementCmd().Args(nil, []string{"stake-1"}))
	assert.Error(t, NewFinalizeUnstakeCmd().Args(nil, []string{"stake-1"}))
	assert.NoError(t, NewFinalizeUnstakeCmd().Args(nil, []string{"stake-1", "0xabc"}))
	assert.Error(t, NewAccrueCmd().Args(nil, []string{"extra"}))
}
