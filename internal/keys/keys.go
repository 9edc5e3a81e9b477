// Package keys derives per-asset content keys from the server master secret.
// Keys are never persisted; every caller recomputes them on demand.
package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	// KeySize is the length of a derived content key in bytes (AES-128).
	KeySize = 16
	// DefaultIterations is the PBKDF2 work factor applied to every derivation.
	DefaultIterations = 100000

	saltPrefix  = "bitriver-vod/asset-key/v1:"
	keyIDPrefix = "bitriver-vod/key-id/v1:"
)

var (
	// ErrEmptySecret indicates the deriver was constructed without a master secret.
	ErrEmptySecret = errors.New("keys: master secret is required")
	// ErrEmptyAssetID indicates a derivation was requested for a blank asset id.
	ErrEmptyAssetID = errors.New("keys: asset id is required")
)

// Option customises a Deriver.
type Option func(*Deriver)

// WithIterations overrides the PBKDF2 iteration count. Values below one are ignored.
func WithIterations(n int) Option {
	return func(d *Deriver) {
		if n > 0 {
			d.iterations = n
		}
	}
}

// Deriver computes deterministic content keys. It is safe for concurrent use.
type Deriver struct {
	secret     []byte
	iterations int
	group      singleflight.Group
}

// NewDeriver constructs a Deriver bound to the provided master secret.
func NewDeriver(secret []byte, opts ...Option) (*Deriver, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	d := &Deriver{
		secret:     append([]byte(nil), secret...),
		iterations: DefaultIterations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// DeriveKey returns the 16-byte content key for assetID. Concurrent calls for
// the same asset share one PBKDF2 computation.
func (d *Deriver) DeriveKey(assetID string) ([]byte, error) {
	id := strings.TrimSpace(assetID)
	if id == "" {
		return nil, ErrEmptyAssetID
	}
	value, err, _ := d.group.Do(id, func() (interface{}, error) {
		return pbkdf2.Key(d.secret, []byte(saltPrefix+id), d.iterations, KeySize, sha256.New), nil
	})
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	shared := value.([]byte)
	return append([]byte(nil), shared...), nil
}

// KeyID returns the public 16-byte key identifier for assetID. It does not
// reveal the content key.
func (d *Deriver) KeyID(assetID string) ([]byte, error) {
	id := strings.TrimSpace(assetID)
	if id == "" {
		return nil, ErrEmptyAssetID
	}
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(keyIDPrefix + id))
	return mac.Sum(nil)[:KeySize], nil
}

// EncodeBase64URL encodes key material the way ClearKey licenses expect it:
// URL-safe alphabet without padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
