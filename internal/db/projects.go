package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProjectSecrets are the KMS ciphertexts stored for a project.
type ProjectSecrets struct {
	ProjectID     string `db:"id"`
	APIKey        []byte `db:"api_key_encrypted"`
	WebhookSecret []byte `db:"webhook_secret_encrypted"`
}

func (s *Store) GetProjectSecrets(ctx context.Context, projectID string) (*ProjectSecrets, error) {
	secrets := &ProjectSecrets{}
	err := s.db.GetContext(ctx, secrets, `
		SELECT id, api_key_encrypted, webhook_secret_encrypted
		FROM projects
		WHERE id = $1
	`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project secrets: %w", err)
	}
	return secrets, nil
}

func (s *Store) SetWebhookSecret(ctx context.Context, projectID string, encrypted []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET webhook_secret_encrypted = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`, encrypted, projectID)
	if err != nil {
		return fmt.Errorf("failed to store webhook secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
