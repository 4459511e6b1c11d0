package config

import "go.uber.org/zap"

// NewLogger builds the zap logger for a binary. Local environments get the
// human-readable development encoder, everything else the production JSON one.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
