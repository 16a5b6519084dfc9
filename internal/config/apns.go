package config

import (
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

// NewAPNsClient builds a token-authenticated client from a .p8 key.
func NewAPNsClient(cfg APNsConfig) (*apns2.Client, error) {
	key, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		slog.Error("Failed to load APNs auth key", "path", cfg.KeyPath, "error", err)
		return nil, fmt.Errorf("failed to load APNs auth key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: key,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}
