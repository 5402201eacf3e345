package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultJWKSCacheTTL = 10 * time.Minute

// DefaultIdentityIssuers are the issuers accepted when none are configured.
var DefaultIdentityIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	ErrInvalidVerifierConfig = errors.New("auth: invalid identity verifier config")
	ErrInvalidIdentityToken  = errors.New("auth: invalid identity token")

	errMissingToken         = errors.New("id token must not be empty")
	errMissingKeyIdentifier = errors.New("token missing key identifier")
	errKeyNotFound          = errors.New("signing key not found in JWKS")
	errUntrustedIssuer      = errors.New("token issuer not allowed")
	errMissingSubject       = errors.New("token missing subject claim")
	errNoUsableKeys         = errors.New("jwks document contained no usable keys")
)

// IdentityVerifierConfig configures verification of sign-in identity tokens.
type IdentityVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IdentityClaims is the verified content of an identity token.
type IdentityClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Issuer        string
	Expiry        time.Time
}

// Profile converts the claims into the Users input.
func (c IdentityClaims) Profile() users.Profile {
	return users.Profile{Subject: c.Subject, Email: c.Email, DisplayName: c.Name}
}

type identityTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// IdentityVerifier verifies RS256 identity tokens offline against a cached JWKS.
type IdentityVerifier struct {
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	keys       *jwksCache
}

func NewIdentityVerifier(cfg IdentityVerifierConfig) (*IdentityVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: audience required", ErrInvalidVerifierConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: jwks url required", ErrInvalidVerifierConfig)
	}

	allowed := cfg.AllowedIssuers
	if len(allowed) == 0 {
		allowed = DefaultIdentityIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no allowed issuers", ErrInvalidVerifierConfig)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &IdentityVerifier{
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		keys:       &jwksCache{ttl: cacheTTL},
	}, nil
}

// Verify validates the raw identity token and returns its claims.
func (v *IdentityVerifier) Verify(ctx context.Context, rawToken string) (IdentityClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, errMissingToken)
	}

	claims := &identityTokenClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, err)
	}
	if !token.Valid {
		return IdentityClaims{}, ErrInvalidIdentityToken
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, errUntrustedIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, errMissingSubject)
	}

	return IdentityClaims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Issuer:        claims.Issuer,
		Expiry:        claims.ExpiresAt.Time,
	}, nil
}

func (v *IdentityVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *IdentityVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := sonic.ConfigStd.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}
	if len(keyMap) == 0 {
		return errNoUsableKeys
	}

	v.keys.store(keyMap, fetchedAt)
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(modulusBytes) == 0 || len(exponentBytes) == 0 {
		return nil, errors.New("missing key material")
	}

	exponent := new(big.Int).SetBytes(exponentBytes)
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: int(exponent.Int64()),
	}, nil
}
