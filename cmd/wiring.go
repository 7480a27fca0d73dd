package cmd

import (
	"context"
	"os"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/evaluation"
	"github.com/signalnine/tourney/internal/gateway"
	"github.com/signalnine/tourney/internal/pricing"
	"github.com/signalnine/tourney/internal/store"
)

// loadSecrets exports the secrets file into the process environment without
// overriding variables that are already set.
func loadSecrets(path string) {
	if path == "" {
		return
	}
	secrets, err := gateway.ParseEnvFile(path)
	if err != nil {
		logger.Warnw("Could not load secrets", "path", path, "error", err)
		return
	}
	for k, v := range secrets {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
}

// connectGateway returns a chat client for the configured gateway, launching
// a local proxy first when asked to. stop is never nil.
func connectGateway(ctx context.Context, cfg *config.Config, logDir string) (chat *gateway.Client, url string, stop func(), err error) {
	stop = func() {}
	url = cfg.Gateway.URL
	if cfg.Gateway.Launch {
		dir := cfg.Gateway.LogDir
		if dir == "" {
			dir = logDir
		}
		gw, err := gateway.Start(ctx, &gateway.StartOpts{
			SecretsEnvFile: cfg.Secrets.EnvFile,
			LogDir:         dir,
			Logger:         logger,
		})
		if err != nil {
			return nil, "", stop, errors.Wrap(err, "starting gateway")
		}
		stop = func() {
			if err := gw.Stop(); err != nil {
				logger.Warnw("Stopping gateway", "error", err)
			}
		}
		url = gw.URL()
	}
	if url == "" {
		return nil, "", stop, nil
	}

	apiKey := ""
	if cfg.Gateway.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Gateway.APIKeyEnv)
	}
	chat = gateway.NewClient(gateway.Config{
		BaseURL:           url,
		APIKey:            apiKey,
		Model:             cfg.Gateway.Model,
		MaxRetries:        cfg.Gateway.MaxRetries,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Logger:            logger,
	})
	return chat, url, stop, nil
}

func buildEvaluator(cfg *config.Config, chat *gateway.Client) (*evaluation.Evaluator, error) {
	deps := evaluation.Deps{Logger: logger}
	if chat != nil {
		deps.Chat = chat
	}
	metrics, err := evaluation.DefaultRegistry().Build(cfg.Evaluation.Metrics, deps)
	if err != nil {
		return nil, err
	}
	return evaluation.New(metrics,
		evaluation.WithMetricTimeout(cfg.Timeouts.Metric),
		evaluation.WithLogger(logger),
	)
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		QueueSize:     cfg.Store.QueueSize,
	}
}

// loadPricing returns nil when no table is configured or it cannot be read;
// reports then show zero cost.
func loadPricing(cfg *config.Config) *pricing.Table {
	if cfg.Pricing.File == "" {
		return nil
	}
	table, err := pricing.Load(cfg.Pricing.File)
	if err != nil {
		logger.Warnw("Could not load pricing table", "path", cfg.Pricing.File, "error", err)
		return nil
	}
	return table
}

// teamModels maps each team to the model its tokens are billed at.
func teamModels(cfg *config.Config) map[string]string {
	models := make(map[string]string, len(cfg.Teams))
	for _, t := range cfg.Teams {
		m := t.Model
		if m == "" {
			m = cfg.Gateway.Model
		}
		if m == "" {
			m = gateway.DefaultModel
		}
		models[t.ID] = m
	}
	return models
}

// filterTeams keeps the teams named in ids, in configuration order.
func filterTeams(teams []config.Team, ids []string) ([]config.Team, error) {
	if len(ids) == 0 {
		return teams, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var filtered []config.Team
	for _, t := range teams {
		if want[t.ID] {
			filtered = append(filtered, t)
			delete(want, t.ID)
		}
	}
	for id := range want {
		return nil, errors.NewInvalidRequestError("unknown team %q", id)
	}
	return filtered, nil
}
