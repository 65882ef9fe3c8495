// Package keyvault wraps per-paper keys before they are stored.
//
// Two wrappers exist: Local seals keys under a 32-byte key-encryption key
// from configuration, KMS delegates to AWS KMS. Both bind the wrapped key
// to its paper id.
package keyvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"exambridge/internal/paper/crypto"
	id "exambridge/pkg/domain"
)

// KeyWrapper encrypts and decrypts paper keys.
type KeyWrapper interface {
	Name() string
	Wrap(ctx context.Context, paperID id.PaperID, key []byte) ([]byte, error)
	Unwrap(ctx context.Context, paperID id.PaperID, wrapped []byte) ([]byte, error)
}

// Local wraps keys with XChaCha20-Poly1305 under a configured KEK.
type Local struct {
	kek []byte
}

func NewLocal(kek []byte) (*Local, error) {
	if len(kek) != crypto.KeySize {
		return nil, fmt.Errorf("key-encryption key must be %d bytes, got %d", crypto.KeySize, len(kek))
	}
	return &Local{kek: append([]byte(nil), kek...)}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Wrap(_ context.Context, paperID id.PaperID, key []byte) ([]byte, error) {
	return crypto.Encrypt(key, l.kek, wrapIdentity(paperID))
}

func (l *Local) Unwrap(_ context.Context, paperID id.PaperID, wrapped []byte) ([]byte, error) {
	key, err := crypto.Decrypt(wrapped, l.kek, wrapIdentity(paperID))
	if err != nil {
		return nil, fmt.Errorf("unwrap paper key: %w", err)
	}
	return key, nil
}

func wrapIdentity(paperID id.PaperID) string {
	return "paper-key:" + paperID.String()
}

// KMSAPI is the part of the KMS client the wrapper calls.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMS wraps keys with an AWS KMS key. The paper id travels as encryption
// context, so KMS refuses to unwrap a key presented for another paper.
type KMS struct {
	client KMSAPI
	keyID  string
}

// NewKMS creates a KMS wrapper. keyID can be a key ID, key ARN, or alias
// name (e.g. "alias/exambridge-paper-keys").
func NewKMS(client KMSAPI, keyID string) *KMS {
	return &KMS{client: client, keyID: keyID}
}

func (k *KMS) Name() string { return "kms" }

func (k *KMS) Wrap(ctx context.Context, paperID id.PaperID, key []byte) ([]byte, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(k.keyID),
		Plaintext:         key,
		EncryptionContext: encryptionContext(paperID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms encrypt paper key: %w", err)
	}
	return out.CiphertextBlob, nil
}

func (k *KMS) Unwrap(ctx context.Context, paperID id.PaperID, wrapped []byte) ([]byte, error) {
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		KeyId:             aws.String(k.keyID),
		EncryptionContext: encryptionContext(paperID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt paper key: %w", err)
	}
	if len(out.Plaintext) != crypto.KeySize {
		return nil, errors.New("kms returned a key of unexpected size")
	}
	return out.Plaintext, nil
}

func encryptionContext(paperID id.PaperID) map[string]string {
	return map[string]string{"paper_id": paperID.String()}
}
