package security

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Cipher protects secrets at rest. Ciphertexts are base64 strings.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSAPI is the part of *kms.Client used here.
type KMSAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type KMSCipher struct {
	client KMSAPI
	keyID  string
}

func NewKMSCipher(client KMSAPI, keyID string) *KMSCipher {
	return &KMSCipher{client: client, keyID: keyID}
}

// InitKMS loads the default AWS config and returns a cipher bound to keyID.
func InitKMS(ctx context.Context, keyID string) (*KMSCipher, error) {
	if keyID == "" {
		slog.Error("Missing required environment variable", "variable", "AWS_KMS_KEY_ID")
		return nil, errors.New("AWS_KMS_KEY_ID environment variable is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("Failed to load AWS SDK config", "error", err)
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	slog.Info("Successfully initialized AWS KMS client")
	return NewKMSCipher(kms.NewFromConfig(cfg), keyID), nil
}

func (c *KMSCipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	result, err := c.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		slog.Error("Failed to encrypt secret", "error", err)
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

func (c *KMSCipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	result, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(c.keyID),
	})
	if err != nil {
		slog.Error("Failed to decrypt secret", "error", err)
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(result.Plaintext), nil
}
