package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL bounds the lifetime of playback tokens.
	DefaultTokenTTL = 15 * time.Minute
	// DefaultIssuer is used when TokenConfig.Issuer is blank.
	DefaultIssuer = "bitriver-vod"
	// DefaultAudience is used when TokenConfig.Audience is blank.
	DefaultAudience = "bitriver-vod-playback"

	minSecretLength = 32
)

var (
	// ErrUnauthorized is the only token failure surfaced to clients.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrWeakSecret indicates the signing secret is too short for HS256.
	ErrWeakSecret = errors.New("token secret must be at least 32 bytes")
	// ErrClientMismatch marks a client binding failure when strict binding is enabled.
	ErrClientMismatch = errors.New("client binding mismatch")
	// ErrAssetMismatch marks a token presented for a different asset.
	ErrAssetMismatch = errors.New("asset mismatch")
)

var signingMethod = jwt.SigningMethodHS256

// TokenConfig configures a TokenService.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	// StrictClientBinding turns IP and user-agent mismatches into hard
	// failures. When false they are logged and the token is accepted.
	StrictClientBinding bool
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Claims carried by a playback token.
type Claims struct {
	AssetID         string `json:"assetId"`
	ClientIP        string `json:"cip,omitempty"`
	ClientUserAgent string `json:"cua,omitempty"`
	jwt.RegisteredClaims
}

// IssueParams describes the scope of a new playback token.
type IssueParams struct {
	AssetID         string
	SubjectID       string
	ClientIP        string
	ClientUserAgent string
}

// ValidateParams describes the request a token is being checked against.
type ValidateParams struct {
	ExpectedAssetID string
	ClientIP        string
	ClientUserAgent string
}

// TokenService issues and validates short-lived playback tokens scoped to a
// single asset. Validation is a pure function of the token, the request and
// the server secret.
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	strict   bool
	logger   *slog.Logger
	now      func() time.Time
	parser   *jwt.Parser
}

// NewTokenService validates cfg and constructs a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	svc := &TokenService{
		secret:   append([]byte(nil), cfg.Secret...),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      cfg.TTL,
		strict:   cfg.StrictClientBinding,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if svc.issuer == "" {
		svc.issuer = DefaultIssuer
	}
	if svc.audience == "" {
		svc.audience = DefaultAudience
	}
	if svc.ttl <= 0 {
		svc.ttl = DefaultTokenTTL
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	svc.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(svc.issuer),
		jwt.WithAudience(svc.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(svc.now),
	)
	return svc, nil
}

// TTL reports the lifetime applied to issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// StrictClientBinding reports whether client mismatches are enforced.
func (s *TokenService) StrictClientBinding() bool {
	return s.strict
}

// Issue signs a token for params.AssetID and returns it with its expiry.
func (s *TokenService) Issue(params IssueParams) (string, time.Time, error) {
	assetID := strings.TrimSpace(params.AssetID)
	subjectID := strings.TrimSpace(params.SubjectID)
	if assetID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: asset id required")
	}
	if subjectID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: subject id required")
	}
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		AssetID:         assetID,
		ClientIP:        strings.TrimSpace(params.ClientIP),
		ClientUserAgent: hashUserAgent(params.ClientUserAgent),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks the signature, issuer, audience, expiry and asset scope of
// raw. Client IP and user-agent bindings are enforced only in strict mode.
// Every failure wraps ErrUnauthorized.
func (s *TokenService) Validate(raw string, params ValidateParams) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, s.reject("missing", params, nil)
	}
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, s.reject(parseFailureReason(err), params, err)
	}
	if claims.Subject == "" {
		return nil, s.reject("missing subject", params, nil)
	}
	expected := strings.TrimSpace(params.ExpectedAssetID)
	if expected == "" || claims.AssetID != expected {
		return nil, s.reject("asset mismatch", params, ErrAssetMismatch)
	}
	if err := s.checkClientBinding(claims, params); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) checkClientBinding(claims *Claims, params ValidateParams) error {
	var mismatches []string
	if claims.ClientIP != "" && params.ClientIP != "" && claims.ClientIP != strings.TrimSpace(params.ClientIP) {
		mismatches = append(mismatches, "ip")
	}
	if claims.ClientUserAgent != "" && params.ClientUserAgent != "" && claims.ClientUserAgent != hashUserAgent(params.ClientUserAgent) {
		mismatches = append(mismatches, "user_agent")
	}
	if len(mismatches) == 0 {
		return nil
	}
	if s.strict {
		return s.reject("client mismatch: "+strings.Join(mismatches, ","), params, ErrClientMismatch)
	}
	s.logger.Warn("playback token client mismatch",
		"asset_id", claims.AssetID,
		"subject_id", claims.Subject,
		"mismatch", mismatches,
		"token_ip", claims.ClientIP,
		"request_ip", params.ClientIP,
		"policy", "soft",
	)
	return nil
}

func (s *TokenService) reject(reason string, params ValidateParams, cause error) error {
	s.logger.Info("playback token rejected", "asset_id", params.ExpectedAssetID, "reason", reason, "client_ip", params.ClientIP)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnauthorized, reason, cause)
}

func parseFailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "not yet valid"
	default:
		return "invalid"
	}
}

func hashUserAgent(userAgent string) string {
	trimmed := strings.TrimSpace(userAgent)
	if trimmed == "" {
		return ""
	}
	digest := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(digest[:])
}
