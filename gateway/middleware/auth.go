package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"bountyescrow/core/types"
)

// AuthConfig configures bearer token validation for the arbiter surface.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// RoleClaim names the claim carrying the role list. Defaults to "roles".
	RoleClaim     string
	OptionalPaths []string
	ClockSkew     time.Duration
}

type contextKey string

const (
	ContextKeyToken  contextKey = "arbiter.token"
	ContextKeyCaller contextKey = "arbiter.caller"
)

var (
	errSecretMissing   = errors.New("auth: secret not configured")
	errSigningMethod   = errors.New("auth: unexpected signing method")
	errIssuerMismatch  = errors.New("auth: issuer mismatch")
	errAudienceMissing = errors.New("auth: audience mismatch")
	errSubject         = errors.New("auth: subject is not an address")
	errUnknownRole     = errors.New("auth: unknown role")
)

// Authenticator validates HMAC signed bearer tokens and resolves them into a
// caller capability. The token subject is the acting address and the role
// claim lists the roles it holds.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	nowFn  func() time.Time
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "roles"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock used for expiry checks.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.nowFn = time.Now
		return
	}
	a.nowFn = now
}

// Middleware rejects requests without a valid token or missing any of the
// required roles. When authentication is disabled requests pass without a
// caller in the context.
func (a *Authenticator) Middleware(required ...types.Role) func(http.Handler) http.Handler {
	var need types.Role
	for _, r := range required {
		need |= r
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || a.isOptional(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized)
				return
			}
			caller, err := a.Authenticate(tokenString)
			if err != nil {
				a.logger.Warn("auth: token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeAuthError(w, http.StatusUnauthorized)
				return
			}
			if need != 0 && !caller.Has(need) {
				a.logger.Warn("auth: insufficient roles",
					slog.String("path", r.URL.Path),
					slog.String("address", caller.Address.Hex()),
					slog.String("roles", caller.Roles.String()))
				writeAuthError(w, http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyToken, tokenString)
			ctx = context.WithValue(ctx, ContextKeyCaller, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate parses tokenString and returns the caller it grants.
func (a *Authenticator) Authenticate(tokenString string) (types.Caller, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return types.Caller{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return types.Caller{}, err
	}
	subject, _ := claims["sub"].(string)
	if !common.IsHexAddress(subject) {
		return types.Caller{}, fmt.Errorf("%w: %q", errSubject, subject)
	}
	roles, err := extractRoles(claims, a.cfg.RoleClaim)
	if err != nil {
		return types.Caller{}, err
	}
	return types.Caller{Address: common.HexToAddress(subject), Roles: roles}, nil
}

// CallerFromContext returns the caller resolved by the middleware.
func CallerFromContext(ctx context.Context) (types.Caller, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).(types.Caller)
	return caller, ok
}

// IssueToken signs a token for addr holding roles. Operators use it to mint
// arbiter credentials and tests use it to drive the middleware.
func IssueToken(secret, issuer string, addr common.Address, ttl time.Duration, roles ...types.Role) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errSecretMissing
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == 0 {
			continue
		}
		names = append(names, strings.Split(r.String(), ",")...)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   addr.Hex(),
		"roles": names,
		"iat":   now.Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errSecretMissing
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errSigningMethod
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithTimeFunc(a.nowFn))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: token invalid")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errIssuerMismatch
		}
	}
	if audience == "" {
		return nil
	}
	switch val := claims["aud"].(type) {
	case string:
		if val == audience {
			return nil
		}
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok && s == audience {
				return nil
			}
		}
	}
	return errAudienceMissing
}

func extractRoles(claims jwt.MapClaims, claim string) (types.Role, error) {
	var names []string
	switch v := claims[claim].(type) {
	case string:
		names = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				names = append(names, s)
			}
		}
	}
	var roles types.Role
	for _, name := range names {
		role, ok := types.ParseRole(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", errUnknownRole, name)
		}
		roles |= role
	}
	return roles, nil
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeAuthError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"UNAUTHORIZED"}`))
}
