package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/capability"
	"github.com/sells-group/validation-cli/internal/config"
	"github.com/sells-group/validation-cli/internal/notify"
	"github.com/sells-group/validation-cli/internal/orchestrator"
	"github.com/sells-group/validation-cli/internal/store"
)

// validatorEnv holds the store and orchestrator the run, resume and serve
// commands share.
type validatorEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
}

// Close releases resources held by the environment.
func (e *validatorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates c for mode, opens and migrates the store and wires the
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*validatorEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	caps, err := initProvider(c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	o, err := orchestrator.New(c, st, caps, notify.FromConfig(c.Notify))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &validatorEnv{Store: st, Orchestrator: o}, nil
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "validator.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// openStore opens and migrates the configured store for read-only commands
// that do not need capabilities.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initProvider builds the capability provider named by the config. With
// the claude provider, measurement capabilities (experiments, feasibility
// and financials) go to the HTTP endpoints when any are configured, and the
// governance review is switched on.
func initProvider(c *config.Config) (capability.Provider, error) {
	cc := c.Capabilities
	httpProvider := func() *capability.HTTPProvider {
		return capability.NewHTTPProvider(capability.HTTPOptions{
			BaseURL:   cc.BaseURL,
			Endpoints: cc.Endpoints,
			Timeout:   time.Duration(cc.TimeoutSecs) * time.Second,
			RateLimit: cc.RateLimit,
			RateBurst: cc.RateBurst,
		})
	}

	switch cc.Provider {
	case "http":
		zap.L().Info("capabilities served over http", zap.String("base_url", cc.BaseURL))
		return httpProvider(), nil
	case "claude":
		claude := capability.NewClaudeProvider(c.Anthropic.Key, c.Anthropic.Model, c.Anthropic.MaxTokens)
		reg := capability.NewRegistry(claude)
		reg.Register(capability.Governance, claude)
		if cc.BaseURL != "" || len(cc.Endpoints) > 0 {
			hp := httpProvider()
			for _, name := range []capability.Name{capability.Experiment, capability.Feasibility, capability.Financials} {
				reg.Register(name, hp)
			}
		}
		zap.L().Info("capabilities served by claude", zap.String("model", c.Anthropic.Model))
		return reg, nil
	case "fixture":
		fp, err := capability.LoadFixtures(cc.FixtureFile)
		if err != nil {
			return nil, err
		}
		zap.L().Warn("capabilities served from fixtures", zap.String("file", cc.FixtureFile))
		return fp, nil
	default:
		return nil, eris.Errorf("unsupported capability provider: %s", cc.Provider)
	}
}
