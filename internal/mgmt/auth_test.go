package mgmt

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "jwt-test-secret"

func jwtApp(t *testing.T) *testServer {
	t.Helper()
	return newTestServer(t, AuthConfig{Mode: AuthModeJWT, JWTSecret: testJWTSecret})
}

func TestAuth_NoAuth_Mode(t *testing.T) {
	app := testApp(t, AuthModeNone, "")

	resp := doRequest(t, app, http.MethodGet, "/api/v1/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Valid(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "test-secret-key")

	resp := doRequest(t, app, http.MethodGet, "/api/v1/config", "test-secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "test-secret-key")

	resp := doRequest(t, app, http.MethodGet, "/api/v1/config", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "missing_auth", problem.Type)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "test-secret-key")

	resp := doRequest(t, app, http.MethodGet, "/api/v1/config", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "invalid_api_key", problem.Type)
}

func TestAuth_APIKey_EmptyKeyRejectsEverything(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "")

	resp := doRequest(t, app, http.MethodGet, "/api/v1/config", "anything")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_WrongScheme(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "test-secret-key")

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "invalid_auth_scheme", problem.Type)
}

func TestAuth_ProbesSkipAuth(t *testing.T) {
	app := testApp(t, AuthModeAPIKey, "test-secret-key")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := doRequest(t, app, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuth_JWT_Valid(t *testing.T) {
	ts := jwtApp(t)
	token, err := IssueToken(testJWTSecret, "alice", RoleReadOnly, time.Minute)
	require.NoError(t, err)

	resp := doRequest(t, ts.app, http.MethodGet, "/api/v1/circuits", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_JWT_WrongSecret(t *testing.T) {
	ts := jwtApp(t)
	token, err := IssueToken("other-secret", "mallory", RoleAdmin, time.Minute)
	require.NoError(t, err)

	resp := doRequest(t, ts.app, http.MethodGet, "/api/v1/circuits", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "invalid_token", problem.Type)
}

func TestAuth_JWT_Expired(t *testing.T) {
	ts := jwtApp(t)
	token, err := IssueToken(testJWTSecret, "alice", RoleAdmin, -time.Minute)
	require.NoError(t, err)

	resp := doRequest(t, ts.app, http.MethodGet, "/api/v1/circuits", token)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_JWT_RejectsOtherAlgorithms(t *testing.T) {
	ts := jwtApp(t)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	resp := doRequest(t, ts.app, http.MethodGet, "/api/v1/circuits", unsigned)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_RoleRequiredToCloseCircuit(t *testing.T) {
	ts := jwtApp(t)

	readonly, err := IssueToken(testJWTSecret, "viewer", RoleReadOnly, time.Minute)
	require.NoError(t, err)
	resp := doRequest(t, ts.app, http.MethodDelete, "/api/v1/circuits/abc", readonly)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "insufficient_role", problem.Type)

	operator, err := IssueToken(testJWTSecret, "oncall", RoleOperator, time.Minute)
	require.NoError(t, err)
	resp = doRequest(t, ts.app, http.MethodDelete, "/api/v1/circuits/abc", operator)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseToken_UnknownRoleIsReadOnly(t *testing.T) {
	token, err := IssueToken(testJWTSecret, "x", Role("root"), time.Minute)
	require.NoError(t, err)

	claims, err := parseToken(testJWTSecret, token)
	require.NoError(t, err)
	assert.Equal(t, RoleReadOnly, claims.Role)
	assert.Equal(t, "x", claims.Subject)
}
