package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"bountyescrow/core/types"
)

const testSecret = "arbiter-secret"

func callerEcho(t *testing.T, seen *types.Caller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		require.True(t, ok)
		*seen = caller
		w.WriteHeader(http.StatusOK)
	})
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthenticatorResolvesCaller(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "bountyescrow"}, nil)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token, err := IssueToken(testSecret, "bountyescrow", addr, time.Hour, types.RoleArbiter|types.RoleClaimManager)
	require.NoError(t, err)

	var seen types.Caller
	handler := auth.Middleware(types.RoleArbiter)(callerEcho(t, &seen))
	req := bearer(httptest.NewRequest(http.MethodPost, "/v1/claims", nil), token)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, addr, seen.Address)
	require.True(t, seen.Has(types.RoleArbiter|types.RoleClaimManager))
	require.False(t, seen.Has(types.RoleOwner))
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "bountyescrow"}, nil)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	var seen types.Caller
	handler := auth.Middleware(types.RoleArbiter)(callerEcho(t, &seen))

	missing := httptest.NewRequest(http.MethodPost, "/v1/claims", nil)
	require.Equal(t, http.StatusUnauthorized, serve(handler, missing))

	forged, err := IssueToken("other-secret", "bountyescrow", addr, time.Hour, types.RoleArbiter)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, bearer(httptest.NewRequest(http.MethodPost, "/v1/claims", nil), forged)))

	wrongIssuer, err := IssueToken(testSecret, "someone-else", addr, time.Hour, types.RoleArbiter)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, bearer(httptest.NewRequest(http.MethodPost, "/v1/claims", nil), wrongIssuer)))

	depositOnly, err := IssueToken(testSecret, "bountyescrow", addr, time.Hour, types.RoleDepositManager)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, serve(handler, bearer(httptest.NewRequest(http.MethodPost, "/v1/claims", nil), depositOnly)))
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, ClockSkew: time.Second}, nil)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a3")
	token, err := IssueToken(testSecret, "", addr, time.Minute, types.RoleArbiter)
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	require.NoError(t, err)

	auth.SetNowFunc(func() time.Time { return time.Now().Add(time.Hour) })
	_, err = auth.Authenticate(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestAuthenticatorRejectsUnknownRoleAndBadSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)

	unknown, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   common.HexToAddress("0x01").Hex(),
		"roles": "arbiter admin",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = auth.Authenticate(unknown)
	require.ErrorIs(t, err, errUnknownRole)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "octocat",
		"roles": []string{"arbiter"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = auth.Authenticate(badSubject)
	require.ErrorIs(t, err, errSubject)
}

func TestAuthenticatorOptionalPathsAndDisabled(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, OptionalPaths: []string{"/healthz"}}, nil)
	require.Equal(t, http.StatusOK, serve(auth.Middleware(types.RoleArbiter)(okHandler()), httptest.NewRequest(http.MethodGet, "/healthz", nil)))

	disabled := NewAuthenticator(AuthConfig{}, nil)
	require.Equal(t, http.StatusOK, serve(disabled.Middleware(types.RoleArbiter)(okHandler()), httptest.NewRequest(http.MethodPost, "/v1/claims", nil)))
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://bounties.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/claims", nil)
	req.Header.Set("Origin", "https://bounties.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://bounties.example", res.Header().Get("Access-Control-Allow-Origin"))

	other := httptest.NewRequest(http.MethodGet, "/v1/claims", nil)
	other.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, other)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
