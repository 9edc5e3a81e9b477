// Package thumbcrypt encrypts cover images at rest with the asset content key.
//
// The on-disk layout is a random nonce header followed by the AES-GCM
// ciphertext and tag. Nothing else is stored alongside the image.
package thumbcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// IVSize is the length of the nonce header that prefixes every ciphertext.
const IVSize = 12

var (
	// ErrInvalidFormat is returned for buffers that cannot hold a nonce header.
	ErrInvalidFormat = errors.New("thumbcrypt: invalid encrypted thumbnail format")
	// ErrDecrypt is returned for every authentication or key failure.
	ErrDecrypt = errors.New("thumbcrypt: decryption failed")
	// ErrInvalidKey is returned when the key is not a valid AES key length.
	ErrInvalidKey = errors.New("thumbcrypt: invalid key length")
)

var randReader io.Reader = rand.Reader

// ValidateEncryptedFormat reports whether buf is structurally an encrypted thumbnail.
func ValidateEncryptedFormat(buf []byte) error {
	if len(buf) < IVSize {
		return ErrInvalidFormat
	}
	return nil
}

// Encrypt seals plaintext under key with a freshly generated nonce.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, IVSize, IVSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(randReader, out); err != nil {
		return nil, fmt.Errorf("thumbcrypt: generate nonce: %w", err)
	}
	return aead.Seal(out, out[:IVSize], plaintext, nil), nil
}

// Decrypt opens a buffer produced by Encrypt. Wrong keys and tampered
// ciphertexts both surface as ErrDecrypt.
func Decrypt(buf, key []byte) ([]byte, error) {
	if err := ValidateEncryptedFormat(buf); err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, buf[:IVSize], buf[IVSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("thumbcrypt: init gcm: %w", err)
	}
	return aead, nil
}
