package judgment

import (
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
)

// FromConfig builds a Client for the configured provider. chat may be nil
// unless the gateway provider is selected.
func FromConfig(cfg config.Judgment, task string, chat Chatter, logger *zap.SugaredLogger) (*Client, error) {
	var p Provider
	switch cfg.Provider {
	case "gateway":
		if chat == nil {
			return nil, errors.NewInvalidRequestError("judgment provider %q needs a gateway client", cfg.Provider)
		}
		p = NewGatewayProvider(chat, cfg.Model, task)
	case "plateau":
		p = &PlateauProvider{
			Window:         cfg.Window,
			MinImprovement: cfg.MinImprovement,
			TargetScore:    cfg.TargetScore,
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown judgment provider %q", cfg.Provider)
	}
	return NewClient(p,
		WithMaxAttempts(cfg.MaxAttempts),
		WithBackoff(cfg.Backoff),
		WithLogger(logger),
	), nil
}
