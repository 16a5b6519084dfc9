package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pushengine/internal/db"
	"pushengine/internal/security"
	"pushengine/utils"
)

const secretPrefix = "whsec_"

var ErrNoSecret = errors.New("project has neither a webhook secret nor an API key")

type SecretStore interface {
	GetProjectSecrets(ctx context.Context, projectID string) (*db.ProjectSecrets, error)
	SetWebhookSecret(ctx context.Context, projectID string, encrypted []byte) error
}

// Secrets resolves the key webhook bodies are signed with.
type Secrets struct {
	store  SecretStore
	cipher security.Cipher
}

func NewSecrets(store SecretStore, cipher security.Cipher) *Secrets {
	return &Secrets{store: store, cipher: cipher}
}

// SigningSecret returns the project's dedicated webhook secret, or its API
// key when no secret was ever set.
func (s *Secrets) SigningSecret(ctx context.Context, projectID string) (string, error) {
	stored, err := s.store.GetProjectSecrets(ctx, projectID)
	if err != nil {
		return "", err
	}

	ciphertext := stored.WebhookSecret
	if len(ciphertext) == 0 {
		ciphertext = stored.APIKey
	}
	if len(ciphertext) == 0 {
		return "", ErrNoSecret
	}
	return s.cipher.Decrypt(ctx, string(ciphertext))
}

// Rotate replaces the webhook secret and returns the new plaintext. It is
// not retrievable afterwards.
func (s *Secrets) Rotate(ctx context.Context, projectID string) (string, error) {
	secret, err := utils.NewSecret(secretPrefix, 32)
	if err != nil {
		return "", err
	}

	encrypted, err := s.cipher.Encrypt(ctx, secret)
	if err != nil {
		return "", err
	}
	if err := s.store.SetWebhookSecret(ctx, projectID, []byte(encrypted)); err != nil {
		return "", fmt.Errorf("failed to rotate webhook secret: %w", err)
	}

	slog.Info("webhook secret rotated", "project_id", projectID)
	return secret, nil
}
