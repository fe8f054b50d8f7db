package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/threatlink/internal/models"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator verifies the caller of a webhook request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req *Request) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

type allowAll struct{}

func (allowAll) Authenticate(context.Context, *Request) error { return nil }

// newAuthenticator builds the authenticator for cfg. Custom modes are looked
// up in custom by cfg.Auth.Custom, falling back to a JWT authenticator when a
// JWT secret is configured.
func newAuthenticator(cfg models.WebhookConfig, custom map[string]Authenticator) (Authenticator, error) {
	switch cfg.Auth.Mode {
	case "", models.AuthNone, models.AuthHMAC:
		// HMAC is enforced by the signature step.
		return allowAll{}, nil
	case models.AuthBearer:
		if cfg.Auth.Token == "" {
			return nil, fmt.Errorf("webhook %s: bearer auth requires a token", cfg.Name)
		}
		return &BearerAuthenticator{token: []byte(cfg.Auth.Token)}, nil
	case models.AuthBasic:
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return nil, fmt.Errorf("webhook %s: basic auth requires username and password", cfg.Name)
		}
		return NewBasicAuthenticator(cfg.Auth.Username, cfg.Auth.Password), nil
	case models.AuthCustom:
		if a, ok := custom[cfg.Auth.Custom]; ok && a != nil {
			return a, nil
		}
		if cfg.Auth.JWTSecret != "" {
			return NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), nil
		}
		return nil, fmt.Errorf("webhook %s: no custom authenticator registered as %q", cfg.Name, cfg.Auth.Custom)
	default:
		return nil, fmt.Errorf("webhook %s: unknown auth mode %q", cfg.Name, cfg.Auth.Mode)
	}
}

// extractToken accepts "Bearer <token>" and "Splunk <token>".
func extractToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	switch strings.ToLower(parts[0]) {
	case "bearer", "splunk":
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// BearerAuthenticator requires an exact token match.
type BearerAuthenticator struct {
	token []byte
}

func (b *BearerAuthenticator) Authenticate(_ context.Context, req *Request) error {
	tok := extractToken(req.Headers.Get("Authorization"))
	if tok == "" {
		return ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(tok), b.token) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// BasicAuthenticator checks HTTP basic credentials. A password configured as
// a bcrypt hash is verified with bcrypt; anything else is compared verbatim.
type BasicAuthenticator struct {
	username []byte
	password []byte
	hashed   bool
}

func NewBasicAuthenticator(username, password string) *BasicAuthenticator {
	return &BasicAuthenticator{
		username: []byte(username),
		password: []byte(password),
		hashed:   isBcryptHash(password),
	}
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func (b *BasicAuthenticator) Authenticate(_ context.Context, req *Request) error {
	h := strings.TrimSpace(req.Headers.Get("Authorization"))
	const prefix = "basic "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ErrMissingCredentials
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return ErrInvalidCredentials
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return ErrInvalidCredentials
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), b.username) == 1
	var passOK bool
	if b.hashed {
		passOK = bcrypt.CompareHashAndPassword(b.password, []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), b.password) == 1
	}
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}

// WebhookClaims are the claims accepted from webhook callers.
type WebhookClaims struct {
	Source string `json:"source,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256-signed bearer JWTs.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

func (j *JWTAuthenticator) Authenticate(_ context.Context, req *Request) error {
	tokenString := extractToken(req.Headers.Get("Authorization"))
	if tokenString == "" {
		return ErrMissingCredentials
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &WebhookClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredentials
		}
		return j.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !token.Valid {
		return ErrInvalidCredentials
	}
	return nil
}
