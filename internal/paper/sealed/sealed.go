// Package sealed encrypts released paper keys to a center's age X25519
// recipient. Only the center holding the matching identity can open them.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"exambridge/internal/paper/models"
	"exambridge/pkg/platform/codec"
)

// GenerateIdentity returns a new age identity and its public recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	x, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate age identity: %w", err)
	}
	return x.String(), x.Recipient().String(), nil
}

// ValidateRecipient reports whether s parses as an age X25519 recipient.
func ValidateRecipient(s string) error {
	if _, err := age.ParseX25519Recipient(s); err != nil {
		return fmt.Errorf("parse age recipient: %w", err)
	}
	return nil
}

// Seal encodes keys as CBOR and encrypts them to recipient.
func Seal(keys []models.ReleasedKey, recipient string) ([]byte, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one key is required")
	}
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parse age recipient: %w", err)
	}
	payload, err := codec.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode released keys: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return nil, fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("write sealed keys: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize sealed keys: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a sealed release with the center's identity.
func Open(sealed []byte, identity string) ([]models.ReleasedKey, error) {
	x, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), x)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed keys: %w", err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sealed keys: %w", err)
	}
	var keys []models.ReleasedKey
	if err := codec.Unmarshal(payload, &keys); err != nil {
		return nil, fmt.Errorf("decode released keys: %w", err)
	}
	return keys, nil
}
