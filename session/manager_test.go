package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/cloudcam/transport"
)

// rfcSecret is the RFC 6238 SHA-1 test key "12345678901234567890".
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type fakeAuth struct {
	mu          sync.Mutex
	tokenCalls  []url.Values
	verifyCalls []url.Values

	token  func(form url.Values) (int, any)
	verify func(form url.Values) (int, any)
}

func (f *fakeAuth) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenCalls = append(f.tokenCalls, r.PostForm)
		f.mu.Unlock()
		status, body := f.token(r.PostForm)
		writeTestJSON(w, status, body)
	})
	mux.HandleFunc("POST /verify/", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.verifyCalls = append(f.verifyCalls, r.PostForm)
		f.mu.Unlock()
		status, body := f.verify(r.PostForm)
		writeTestJSON(w, status, body)
	})
	return mux
}

func (f *fakeAuth) tokenCount() int {
	return len(f.tokenForms())
}

func (f *fakeAuth) tokenForms() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.tokenCalls...)
}

func (f *fakeAuth) verifyForms() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.verifyCalls...)
}

func writeTestJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if raw, ok := body.(string); ok {
		_, _ = w.Write([]byte(raw))
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func challenge(mfaToken string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":     20482,
		"message":  "mfa required",
		"metadata": map[string]any{"mfa_token": mfaToken},
	}}
}

func newTestManager(t *testing.T, f *fakeAuth, creds *Credentials, opts ...Option) *Manager {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	base := []Option{
		WithEndpoints(Endpoints{Token: srv.URL + "/token/", MFAVerify: srv.URL + "/verify/"}),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	return NewManager(creds, transport.New(), append(base, opts...)...)
}

func testCreds(t *testing.T, opts ...CredentialsOption) *Credentials {
	t.Helper()
	creds, err := NewCredentials("user@example.com", "hunter2", opts...)
	require.NoError(t, err)
	t.Cleanup(creds.Destroy)
	return creds
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestManager_TOTPLogin(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			if form.Get("mfa_token") == "" {
				return http.StatusUnauthorized, challenge("M1")
			}
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
		verify: func(form url.Values) (int, any) {
			return http.StatusOK, map[string]any{"data": map[string]any{"mfa_trust_token": "R1"}}
		},
	}
	now := time.Unix(59, 0)
	var saved []Token
	m := newTestManager(t, f, testCreds(t, WithTOTPSecret(rfcSecret)),
		WithClock(fixedClock(now)),
		WithTokenCallback(func(tok Token) { saved = append(saved, tok) }))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "T1", tok.AccessToken)
	assert.Equal(t, "R1", tok.TrustToken)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "R1", m.TrustToken())
	require.Len(t, saved, 1)
	assert.Equal(t, tok, saved[0])

	tokenForms := f.tokenForms()
	require.Len(t, tokenForms, 2)
	first := tokenForms[0]
	assert.Equal(t, "user@example.com", first.Get("username"))
	assert.Equal(t, "hunter2", first.Get("password"))
	assert.Equal(t, "password", first.Get("grant_type"))
	assert.Equal(t, "true", first.Get("session_mode"))
	assert.Equal(t, DefaultClientID, first.Get("client_id"))
	assert.Equal(t, "false", first.Get("mfa_trusted"))

	verifyForms := f.verifyForms()
	require.Len(t, verifyForms, 1)
	verify := verifyForms[0]
	assert.Equal(t, "M1", verify.Get("mfa_token"))
	assert.Equal(t, "287082", verify.Get("mfa_code"))
	assert.Equal(t, "totp", verify.Get("mfa_type"))
	assert.Equal(t, "true", verify.Get("trust_device"))

	second := tokenForms[1]
	assert.Equal(t, "M1", second.Get("mfa_token"))
	assert.Equal(t, "287082", second.Get("mfa_code"))
	assert.Equal(t, "totp", second.Get("mfa_type"))
	assert.Equal(t, "true", second.Get("mfa_trusted"))
}

func TestManager_TrustTokenLogin(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			if form.Get("mfa_trust_token") == "R1" && form.Get("mfa_trusted") == "true" {
				return http.StatusOK, map[string]any{"access_token": "T2", "expires_in": 3600}
			}
			return http.StatusUnauthorized, challenge("M1")
		},
		verify: func(url.Values) (int, any) {
			t.Error("verify must not be called")
			return http.StatusInternalServerError, "{}"
		},
	}
	m := newTestManager(t, f, testCreds(t, WithTOTPSecret(rfcSecret)), WithTrustToken("R1"))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "T2", tok.AccessToken)
	assert.Equal(t, "R1", tok.TrustToken)
	assert.Equal(t, 1, f.tokenCount())
}

func TestManager_RejectedTrustTokenFallsThroughToTOTP(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			switch {
			case form.Get("mfa_trust_token") != "":
				return http.StatusUnauthorized, challenge("M0")
			case form.Get("mfa_token") == "":
				return http.StatusUnauthorized, challenge("M1")
			default:
				return http.StatusOK, map[string]any{"access_token": "T3", "expires_in": 3600}
			}
		},
		verify: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"data": map[string]any{"mfa_trust_token": "R2"}}
		},
	}
	m := newTestManager(t, f, testCreds(t, WithTOTPSecret(rfcSecret)), WithTrustToken("expired"))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "T3", tok.AccessToken)
	assert.Equal(t, "R2", m.TrustToken())
	assert.Equal(t, 3, f.tokenCount())
}

func TestManager_TrustTokenKeptOnServiceError(t *testing.T) {
	var recovered atomic.Bool
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			if !recovered.Load() {
				return http.StatusTooManyRequests, map[string]any{"error": map[string]any{
					"code":    429,
					"message": "too many requests",
				}}
			}
			if form.Get("mfa_trust_token") == "R1" && form.Get("mfa_trusted") == "true" {
				return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
			}
			return http.StatusUnauthorized, challenge("M1")
		},
	}
	m := newTestManager(t, f, testCreds(t), WithTrustToken("R1"))

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrInvalidCredentials)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "trust_token", authErr.Strategy)
	assert.Equal(t, 429, authErr.Code)
	assert.Equal(t, 1, f.tokenCount(), "a service error stops the chain")
	assert.Equal(t, "R1", m.TrustToken())
	assert.False(t, m.IsAuthenticated())

	recovered.Store(true)
	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "T1", tok.AccessToken)
	assert.Equal(t, "R1", m.TrustToken())
}

func TestManager_PlainLogin(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 600}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "T1", tok.AccessToken)
	assert.Empty(t, tok.TrustToken)
	assert.Equal(t, 1, f.tokenCount())
}

func TestManager_MFARequiredWithoutSecondFactor(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusUnauthorized, challenge("M1")
		},
	}
	m := newTestManager(t, f, testCreds(t))

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrMFARequired)
	assert.False(t, m.IsAuthenticated())
}

func TestManager_ChallengeCodeAsString(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusUnauthorized, `{"error":{"code":"20482","metadata":{"mfa_token":"M1"}}}`
		},
	}
	m := newTestManager(t, f, testCreds(t))

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrMFARequired)
}

func TestManager_InvalidCredentialsKeepsPriorSession(t *testing.T) {
	var fail atomic.Bool
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			if fail.Load() {
				return http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 1001, "message": "bad password"}}
			}
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
	}
	m := newTestManager(t, f, testCreds(t))
	_, err := m.Login(t.Context())
	require.NoError(t, err)

	fail.Store(true)
	_, err = m.Login(t.Context())
	require.ErrorIs(t, err, ErrInvalidCredentials)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 1001, authErr.Code)
	assert.Equal(t, "bad password", authErr.Message)

	tok, ok := m.AccessToken()
	assert.True(t, ok)
	assert.Equal(t, "T1", tok)
}

func TestManager_MalformedResponse(t *testing.T) {
	var html atomic.Bool
	html.Store(true)
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			if html.Load() {
				return http.StatusOK, `<html>maintenance</html>`
			}
			return http.StatusOK, map[string]any{"expires_in": 10}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrMalformedResponse)

	html.Store(false)
	_, err = m.Login(t.Context())
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestManager_TransportFailure(t *testing.T) {
	creds := testCreds(t)
	m := NewManager(creds, transport.New(transport.WithRetryMax(0)),
		WithEndpoints(Endpoints{Token: "http://127.0.0.1:1/token/", MFAVerify: "http://127.0.0.1:1/verify/"}),
		WithLogger(slog.New(slog.DiscardHandler)))

	_, err := m.Login(t.Context())
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))
	assert.False(t, m.IsAuthenticated())
}

func TestManager_ExpiryMargin(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 120}
		},
	}
	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	now := start
	m := newTestManager(t, f, testCreds(t), WithClock(func() time.Time { return now }))

	_, err := m.Login(t.Context())
	require.NoError(t, err)

	for _, tc := range []struct {
		after time.Duration
		want  bool
	}{
		{0, true},
		{59 * time.Second, true},
		{60*time.Second - time.Nanosecond, true},
		{60 * time.Second, false},
		{119 * time.Second, false},
		{121 * time.Second, false},
	} {
		now = start.Add(tc.after)
		assert.Equal(t, tc.want, m.IsAuthenticated(), "after %s", tc.after)
	}
}

func TestManager_ExpiryFromJWT(t *testing.T) {
	exp := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user",
		"exp": exp.Unix(),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": signed}
		},
	}
	m := newTestManager(t, f, testCreds(t), WithClock(fixedClock(exp.Add(-time.Hour))))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.True(t, exp.Equal(tok.ExpiresAt))
	assert.True(t, exp.Equal(m.Expiry()))
}

func TestManager_DefaultLifetime(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": "opaque"}
		},
	}
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, f, testCreds(t), WithClock(fixedClock(now)))

	tok, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTokenLifetime), tok.ExpiresAt)
}

func TestManager_RestoreSession(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	m := NewManager(testCreds(t), transport.New(),
		WithClock(fixedClock(now)),
		WithLogger(slog.New(slog.DiscardHandler)))

	assert.False(t, m.RestoreSession(Token{AccessToken: "old", ExpiresAt: now.Add(30 * time.Second), TrustToken: "R1"}))
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, "R1", m.TrustToken())

	assert.False(t, m.RestoreSession(Token{ExpiresAt: now.Add(time.Hour)}))
	assert.False(t, m.IsAuthenticated())

	assert.True(t, m.RestoreSession(Token{AccessToken: "T1", ExpiresAt: now.Add(time.Hour)}))
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "R1", m.TrustToken())
	assert.Equal(t, now.Add(time.Hour), m.Expiry())
}

func TestManager_EnsureValidSessionSkipsLoginWhenValid(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	require.NoError(t, m.EnsureValidSession(t.Context()))
	require.NoError(t, m.EnsureValidSession(t.Context()))
	assert.Equal(t, 1, f.tokenCount())
}

func TestManager_ConcurrentEnsureValidSessionLogsInOnce(t *testing.T) {
	release := make(chan struct{})
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			<-release
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureValidSession(t.Context())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.tokenCount())
}

func TestManager_SharedLoginSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	first, cancel := context.WithCancel(t.Context())
	firstErr := make(chan error, 1)
	go func() { firstErr <- m.EnsureValidSession(first) }()
	<-started

	secondErr := make(chan error, 1)
	go func() { secondErr <- m.EnsureValidSession(t.Context()) }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	require.NoError(t, <-secondErr)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, 1, f.tokenCount())
}

func TestManager_Reauthenticate(t *testing.T) {
	var issued atomic.Int32
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			n := issued.Add(1)
			return http.StatusOK, map[string]any{"access_token": fmt.Sprintf("T%d", n), "expires_in": 3600}
		},
	}
	m := newTestManager(t, f, testCreds(t))
	_, err := m.Login(t.Context())
	require.NoError(t, err)

	fresh, err := m.Reauthenticate(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "T2", fresh)

	// A late caller still holding T1 gets T2 without another login.
	again, err := m.Reauthenticate(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "T2", again)
	assert.Equal(t, 2, f.tokenCount())
}

func TestManager_LoginWithCode(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			if form.Get("mfa_token") == "" {
				return http.StatusUnauthorized, challenge("M1")
			}
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
		verify: func(form url.Values) (int, any) {
			if form.Get("mfa_code") != "123456" {
				return http.StatusBadRequest, map[string]any{"error": map[string]any{"code": 1, "message": "wrong code"}}
			}
			return http.StatusOK, map[string]any{"data": map[string]any{"mfa_trust_token": "R1"}}
		},
	}
	m := newTestManager(t, f, testCreds(t))

	tok, err := m.LoginWithCode(t.Context(), "１２３ ４５６")
	require.NoError(t, err)
	assert.Equal(t, "R1", tok.TrustToken)
	assert.Equal(t, "123456", f.verifyForms()[0].Get("mfa_code"))

	_, err = m.LoginWithCode(t.Context(), "654321")
	require.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestManager_LoginWithMalformedCode(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusUnauthorized, challenge("M1")
		},
		verify: func(url.Values) (int, any) {
			t.Error("verify must not be called")
			return http.StatusInternalServerError, "{}"
		},
	}
	m := newTestManager(t, f, testCreds(t))

	for _, code := range []string{"12ab56", "12345", "1234567", ""} {
		_, err := m.LoginWithCode(t.Context(), code)
		require.ErrorIs(t, err, ErrInvalidMFACode, "code %q", code)
	}
}

func TestManager_CodePromptStrategy(t *testing.T) {
	f := &fakeAuth{
		token: func(form url.Values) (int, any) {
			if form.Get("mfa_token") == "" {
				return http.StatusUnauthorized, challenge("M1")
			}
			return http.StatusOK, map[string]any{"access_token": "T1", "expires_in": 3600}
		},
		verify: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"data": map[string]any{"mfa_trust_token": "R1"}}
		},
	}
	var prompted int
	m := newTestManager(t, f, testCreds(t), WithCodePrompt(func(ctx context.Context) (string, error) {
		prompted++
		return "000111", nil
	}))

	_, err := m.Login(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, prompted)
}

func TestManager_NoStrategy(t *testing.T) {
	m := NewManager(testCreds(t), transport.New(),
		WithStrategies(TrustTokenStrategy()),
		WithLogger(slog.New(slog.DiscardHandler)))

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrNoStrategy)
}

func TestManager_DestroyedCredentials(t *testing.T) {
	f := &fakeAuth{
		token: func(url.Values) (int, any) {
			return http.StatusOK, map[string]any{"access_token": "T1"}
		},
	}
	creds := testCreds(t)
	m := newTestManager(t, f, creds)
	creds.Destroy()

	_, err := m.Login(t.Context())
	require.ErrorIs(t, err, ErrCredentialsDestroyed)
	assert.Zero(t, f.tokenCount())
}
