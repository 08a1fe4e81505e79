package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-asset-pipeline/internal/app"
	"github.com/imalyk/go-asset-pipeline/internal/config"
)

func execute(t *testing.T, args ...string) ([]string, *config.Config, error) {
	t.Helper()
	var gotRoles []string
	var gotCfg *config.Config
	cmd := newRootCommandWith(func(_ context.Context, cfg *config.Config, _ *slog.Logger, roles []string) error {
		gotRoles = roles
		gotCfg = cfg
		return nil
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return gotRoles, gotCfg, err
}

func TestSingleRoleCommand(t *testing.T) {
	roles, cfg, err := execute(t, "advancer")
	require.NoError(t, err)
	assert.Equal(t, []string{app.RoleAdvancer}, roles)
	assert.Equal(t, "pipeline:finished", cfg.Queues.Finished)
}

func TestAllCommand(t *testing.T) {
	roles, _, err := execute(t, "all")
	require.NoError(t, err)
	assert.Equal(t, app.Roles(), roles)

	roles, _, err = execute(t, "all", "--roles", "ingest,relay")
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "relay"}, roles)
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("EXECUTOR_BACKEND", "lambda")
	_, _, err := execute(t, "ingest")
	assert.ErrorContains(t, err, "executor.backend")
}

func TestUnknownCommand(t *testing.T) {
	_, _, err := execute(t, "transcode")
	assert.Error(t, err)
}
