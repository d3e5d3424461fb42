package engine

import (
	"fmt"

	"github.com/parleyhq/parley/core/config"
)

// New builds the configured engine adapter.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported engine provider: %q", cfg.Provider)
	}
}
