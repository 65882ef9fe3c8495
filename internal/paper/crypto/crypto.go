// Package crypto encrypts question papers at rest and in transit.
//
// A blob is [version][24-byte nonce][ciphertext+tag] sealed with
// XChaCha20-Poly1305. The additional data binds the version byte and an
// identity (the paper id for papers, a key ref for wrapped keys), so a blob
// moved onto another record fails authentication.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a paper key and of the key-encryption key.
const KeySize = chacha20poly1305.KeySize

// BlobVersion is the only supported blob format.
const BlobVersion byte = 0x01

// BlobOverhead is the size added to the plaintext.
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrDecryptionFailed covers every reason a blob does not open: wrong key,
// truncation, tampering, an unknown version or a mismatched identity.
var ErrDecryptionFailed = errors.New("decryption failed")

// GenerateKey returns a fresh random paper key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate paper key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key, bound to identity.
func Encrypt(plaintext, key []byte, identity string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), BlobOverhead+len(plaintext))
	out[0] = BlobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, buildAAD(BlobVersion, identity)), nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial
// plaintext: any failure yields ErrDecryptionFailed and nil.
func Decrypt(blob, key []byte, identity string) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecryptionFailed, len(blob), BlobOverhead)
	}
	version := blob[0]
	if version != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecryptionFailed, version)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, identity))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func buildAAD(version byte, identity string) []byte {
	aad := make([]byte, 1+len(identity))
	aad[0] = version
	copy(aad[1:], identity)
	return aad
}
