package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
identity:
  name: alice
overlay:
  listen_addr: "0.0.0.0:9000"
  dial_addresses:
    - "127.0.0.1:9001"
auction:
  window: "2s"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "alice", cfg.Identity.Name)
	require.Equal(t, "0.0.0.0:9000", cfg.Overlay.ListenAddr)
	require.Equal(t, []string{"127.0.0.1:9001"}, cfg.Overlay.DialAddresses)
	require.Equal(t, 2e9, float64(cfg.Auction.Window))

	// Untouched sections keep their defaults.
	require.Equal(t, "cairo-run", cfg.Runner.BinaryPath)
	require.Equal(t, "cpu_air_prover", cfg.Prover.BinaryPath)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoad_RejectsInvalidAuctionWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auction:\n  window: \"-1s\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsInvalidMetricsPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  enabled: true\n  port: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
