//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/config"
)

const testFixtures = `
ideation:
  - output: {segment_ref: smb-ops, value_prop_ref: async-standups, problem_fit: partial_fit}
creative:
  - output:
      artifacts:
        - {id: ad-1, kind: ad_variant, status: draft}
experiment:search:
  - output: {channel: search, metrics: {impressions: 1000, clicks: 50, signups: 10, spend: 100}}
    cost: 100
feasibility:
  - output: {components: [{name: slack-bot, status: buildable}]}
financials:
  - output: {cac: 100, ltv: 300, addressable_spend: 5000000}
`

// testEnvConfig returns a complete config backed by SQLite and fixtures in
// a temp dir.
func testEnvConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	fixtures := filepath.Join(dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(fixtures, []byte(testFixtures), 0o600))

	return &config.Config{
		Store:        config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "validator.db")},
		Server:       config.ServerConfig{Port: 8080},
		Budget:       config.BudgetConfig{Ceiling: 1000, Mode: "hard"},
		Orchestrator: config.OrchestratorConfig{MaxStepsPerAdvance: 100, ConflictRetries: 3},
		Retry:        config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1},
		Circuit:      config.CircuitConfig{FailureThreshold: 50},
		Experiment: config.ExperimentConfig{
			Channels:              []string{"search"},
			BudgetPerChannel:      100,
			MaxConcurrentChannels: 1,
		},
		Capabilities: config.CapabilitiesConfig{Provider: "fixture", FixtureFile: fixtures},
	}
}

func TestInitEnv_RunsToValidation(t *testing.T) {
	ctx := context.Background()
	env, err := initEnv(ctx, testEnvConfig(t), "run")
	require.NoError(t, err)
	defer env.Close()

	res, err := env.Orchestrator.Start(ctx, startInput("run-env"))
	require.NoError(t, err)
	assert.True(t, res.State.Terminal)
	assert.Equal(t, "validated", string(res.State.Phase))
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c := testEnvConfig(t)
	c.Store.Driver = "mysql"
	_, err := initEnv(context.Background(), c, "run")
	assert.Error(t, err)
}

func TestInitStore_Unsupported(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestInitProvider(t *testing.T) {
	c := testEnvConfig(t)

	p, err := initProvider(c)
	require.NoError(t, err)
	assert.IsType(t, &capability.FixtureProvider{}, p)

	c.Capabilities = config.CapabilitiesConfig{Provider: "http", BaseURL: "http://caps.internal"}
	p, err = initProvider(c)
	require.NoError(t, err)
	assert.IsType(t, &capability.HTTPProvider{}, p)

	c.Capabilities = config.CapabilitiesConfig{Provider: "claude", BaseURL: "http://caps.internal"}
	c.Anthropic = config.AnthropicConfig{Key: "test-key", Model: "claude-sonnet-4-5-20250929"}
	p, err = initProvider(c)
	require.NoError(t, err)
	assert.True(t, capability.Supports(p, capability.Governance))
	assert.True(t, capability.Supports(p, capability.Experiment))

	c.Capabilities = config.CapabilitiesConfig{Provider: "carrier-pigeon"}
	_, err = initProvider(c)
	assert.Error(t, err)

	c.Capabilities = config.CapabilitiesConfig{Provider: "fixture", FixtureFile: "/does/not/exist.yaml"}
	_, err = initProvider(c)
	assert.Error(t, err)
}
