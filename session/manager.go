package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/cloudcam/transport"
)

const (
	// ExpiryMargin is subtracted from the expiry instant when deciding
	// whether a token is still usable.
	ExpiryMargin = 60 * time.Second
	// DefaultTokenLifetime is assumed when the service reports no lifetime
	// and the token carries no exp claim.
	DefaultTokenLifetime = 1800 * time.Second
	// SharedLoginTimeout bounds a login that concurrent callers wait on.
	SharedLoginTimeout = 2 * time.Minute

	// DefaultClientID identifies the web client to the token endpoint.
	DefaultClientID = "REO-.AJ,HO/L6_TG44T78KB7"

	codeMFARequired = 20482

	loginOrigin   = "https://my.reolink.com"
	loginScenario = "users.login_with_password"
)

// Poster performs a form POST. *transport.Client satisfies it.
type Poster interface {
	PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*transport.Response, error)
}

// Endpoints are the authentication URLs.
type Endpoints struct {
	Token     string
	MFAVerify string
}

// DefaultEndpoints returns the production authentication URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:     "https://apis.reolink.com/v1.0/oauth2/token/",
		MFAVerify: "https://apis.reolink.com/v1.0/mfa/verify/",
	}
}

// Token is the persistable view of a session.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	TrustToken  string
}

// Manager owns the session for one account. It is safe for concurrent use.
type Manager struct {
	creds      *Credentials
	poster     Poster
	endpoints  Endpoints
	clientID   string
	now        func() time.Time
	logger     *slog.Logger
	onToken    func(Token)
	prompt     CodePrompt
	strategies []Strategy

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time
	trustToken  string

	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithEndpoints overrides the authentication URLs.
func WithEndpoints(e Endpoints) Option {
	return func(m *Manager) { m.endpoints = e }
}

// WithClientID overrides DefaultClientID.
func WithClientID(id string) Option {
	return func(m *Manager) { m.clientID = id }
}

// WithClock sets the time source used for expiry and TOTP codes.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the structured logger.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTrustToken seeds a previously issued MFA trust token.
func WithTrustToken(trust string) Option {
	return func(m *Manager) { m.trustToken = trust }
}

// WithTokenCallback registers fn to be called after every successful login
// with the new token. The callback must not call back into the Manager.
func WithTokenCallback(fn func(Token)) Option {
	return func(m *Manager) { m.onToken = fn }
}

// WithCodePrompt enables interactive MFA: prompt is asked for a code when
// the service issues a challenge and no TOTP secret is configured.
func WithCodePrompt(prompt CodePrompt) Option {
	return func(m *Manager) { m.prompt = prompt }
}

// WithStrategies replaces the default strategy chain.
func WithStrategies(strategies ...Strategy) Option {
	return func(m *Manager) { m.strategies = strategies }
}

// NewManager returns a Manager that logs in with creds through poster.
func NewManager(creds *Credentials, poster Poster, opts ...Option) *Manager {
	m := &Manager{
		creds:     creds,
		poster:    poster,
		endpoints: DefaultEndpoints(),
		clientID:  DefaultClientID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	m.logger = m.logger.With("component", "session", "account", creds.Username())
	if m.strategies == nil {
		m.strategies = DefaultStrategies(m.prompt)
	}
	return m
}

// IsAuthenticated reports whether a token is held and will not expire
// within ExpiryMargin.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked()
}

func (m *Manager) validLocked() bool {
	return m.accessToken != "" && m.now().Before(m.expiresAt.Add(-ExpiryMargin))
}

// AccessToken returns the current token and whether it is still valid.
func (m *Manager) AccessToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken, m.validLocked()
}

// TrustToken returns the MFA trust token, if any.
func (m *Manager) TrustToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trustToken
}

// Expiry returns the expiry instant of the current token.
func (m *Manager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

// RestoreSession reinstates a persisted session. The access token is adopted
// only if it is valid under the same margin as IsAuthenticated; a trust
// token is always adopted. It reports whether the access token was restored.
func (m *Manager) RestoreSession(t Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.TrustToken != "" {
		m.trustToken = t.TrustToken
	}
	if t.AccessToken == "" || !m.now().Before(t.ExpiresAt.Add(-ExpiryMargin)) {
		m.logger.Debug("stored token is expired or missing")
		return false
	}
	m.accessToken = t.AccessToken
	m.expiresAt = t.ExpiresAt
	m.logger.Debug("token restored", slog.Time("expires_at", t.ExpiresAt))
	return true
}

// Login runs the strategy chain and installs the resulting token. On
// failure any previous session is left as it was.
func (m *Manager) Login(ctx context.Context) (Token, error) {
	return m.run(ctx, m.strategies)
}

// LoginWithCode logs in answering an MFA challenge with code. Accounts
// without MFA log in with the password alone.
func (m *Manager) LoginWithCode(ctx context.Context, code string) (Token, error) {
	return m.run(ctx, []Strategy{CodeStrategy(func(context.Context) (string, error) {
		return code, nil
	})})
}

// EnsureValidSession logs in unless the current token is valid. Concurrent
// callers share a single login.
func (m *Manager) EnsureValidSession(ctx context.Context) error {
	if m.IsAuthenticated() {
		return nil
	}
	_, err := m.sharedLogin(ctx)
	return err
}

// Reauthenticate discards stale, the token that was just refused by the
// service, and returns a fresh one. If another caller has already replaced
// stale the replacement is returned without logging in again.
func (m *Manager) Reauthenticate(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if m.accessToken == stale {
		m.accessToken = ""
		m.expiresAt = time.Time{}
	}
	m.mu.Unlock()

	if tok, ok := m.AccessToken(); ok {
		return tok, nil
	}
	t, err := m.sharedLogin(ctx)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

func (m *Manager) sharedLogin(ctx context.Context) (Token, error) {
	// The login is shared, so it must outlive the caller that started it.
	ch := m.flight.DoChan("login", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SharedLoginTimeout)
		defer cancel()
		return m.Login(lctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, strategies []Strategy) (Token, error) {
	var lastErr error
	for _, s := range strategies {
		x := &Exchange{m: m, strategy: s.Name(), trust: m.TrustToken()}
		grant, err := s.Attempt(ctx, x)
		switch {
		case err == nil:
			t := m.apply(grant)
			m.logger.Info("login succeeded",
				slog.String("strategy", s.Name()),
				slog.Time("expires_at", t.ExpiresAt))
			return t, nil
		case errors.Is(err, ErrNotApplicable):
			continue
		case errors.Is(err, ErrTrustRejected):
			m.dropTrustToken(x.trust)
			m.logger.Info("trust token rejected", slog.String("strategy", s.Name()))
			lastErr = err
		case errors.Is(err, ErrMFARequired):
			m.logger.Debug("login needs a second factor", slog.String("strategy", s.Name()))
			lastErr = err
		default:
			m.logger.Warn("login failed", slog.String("strategy", s.Name()), "error", err)
			return Token{}, err
		}
	}
	if lastErr == nil {
		return Token{}, ErrNoStrategy
	}
	m.logger.Warn("login failed", "error", lastErr)
	return Token{}, lastErr
}

func (m *Manager) dropTrustToken(trust string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trustToken == trust {
		m.trustToken = ""
	}
}

func (m *Manager) apply(g Grant) Token {
	now := m.now()
	var expires time.Time
	switch {
	case g.ExpiresIn > 0:
		expires = now.Add(g.ExpiresIn)
	default:
		if exp, ok := jwtExpiry(g.AccessToken); ok {
			expires = exp
		} else {
			expires = now.Add(DefaultTokenLifetime)
		}
	}

	m.mu.Lock()
	m.accessToken = g.AccessToken
	m.expiresAt = expires
	if g.TrustToken != "" {
		m.trustToken = g.TrustToken
	}
	t := Token{AccessToken: m.accessToken, ExpiresAt: m.expiresAt, TrustToken: m.trustToken}
	cb := m.onToken
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return t
}

// jwtExpiry reads the exp claim of an access token without verifying it.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Exchange is handed to a Strategy for the duration of one attempt and
// performs the authentication round trips on its behalf.
type Exchange struct {
	m        *Manager
	strategy string
	trust    string
}

// TrustToken returns the trust token held when the attempt started.
func (x *Exchange) TrustToken() string { return x.trust }

// HasTOTP reports whether the credentials carry a TOTP secret.
func (x *Exchange) HasTOTP() bool { return x.m.creds.HasTOTP() }

// TOTPCode computes the current code from the TOTP secret.
func (x *Exchange) TOTPCode() (string, error) {
	return x.m.creds.totpCode(x.m.now())
}

// RequestToken posts the password grant merged with extra. A challenge
// from the service is returned as *ChallengeError.
func (x *Exchange) RequestToken(ctx context.Context, extra url.Values) (Grant, error) {
	var resp *transport.Response
	err := x.m.creds.withPassword(func(password string) error {
		form := url.Values{
			"username":     {x.m.creds.Username()},
			"password":     {password},
			"grant_type":   {"password"},
			"session_mode": {"true"},
			"client_id":    {x.m.clientID},
		}
		for k, v := range extra {
			form[k] = v
		}
		var err error
		resp, err = x.m.poster.PostForm(ctx, x.m.endpoints.Token, form, loginHeader())
		return err
	})
	if err != nil {
		return Grant{}, err
	}

	var body tokenResponse
	if err := resp.DecodeJSON(&body); err != nil {
		return Grant{}, fmt.Errorf("%w: status %d: %v", ErrMalformedResponse, resp.StatusCode, err)
	}
	if len(body.Error) > 0 && string(body.Error) != "null" {
		svc := parseServiceError(body.Error)
		if svc.Code == codeMFARequired {
			if svc.MFAToken == "" {
				return Grant{}, fmt.Errorf("%w: challenge without mfa_token", ErrMalformedResponse)
			}
			return Grant{}, &ChallengeError{MFAToken: svc.MFAToken}
		}
		return Grant{}, &AuthError{
			Strategy: x.strategy,
			Code:     svc.Code,
			Message:  svc.Message,
			Err:      ErrInvalidCredentials,
		}
	}
	if body.AccessToken == "" {
		return Grant{}, fmt.Errorf("%w: no access_token (status %d)", ErrMalformedResponse, resp.StatusCode)
	}

	g := Grant{AccessToken: body.AccessToken, TrustToken: body.TrustToken}
	if body.ExpiresIn != nil && *body.ExpiresIn > 0 {
		g.ExpiresIn = time.Duration(*body.ExpiresIn * float64(time.Second))
	}
	return g, nil
}

// VerifyCode submits a one-time code for the challenge mfaToken, asking the
// service to trust this device, and returns the issued trust token.
func (x *Exchange) VerifyCode(ctx context.Context, mfaToken, code string) (string, error) {
	form := url.Values{
		"mfa_token":    {mfaToken},
		"mfa_code":     {code},
		"mfa_type":     {"totp"},
		"trust_device": {"true"},
	}
	resp, err := x.m.poster.PostForm(ctx, x.m.endpoints.MFAVerify, form, loginHeader())
	if err != nil {
		return "", err
	}

	var body verifyResponse
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("%w: status %d: %v", ErrMalformedResponse, resp.StatusCode, err)
	}
	if len(body.Error) > 0 && string(body.Error) != "null" {
		svc := parseServiceError(body.Error)
		return "", &AuthError{
			Strategy: x.strategy,
			Code:     svc.Code,
			Message:  svc.Message,
			Err:      ErrInvalidMFACode,
		}
	}
	if body.Data.TrustToken == "" {
		return "", fmt.Errorf("%w: no mfa_trust_token (status %d)", ErrMalformedResponse, resp.StatusCode)
	}
	return body.Data.TrustToken, nil
}

func loginHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Origin", loginOrigin)
	h.Set("Referer", loginOrigin+"/")
	h.Set("X-Verify-Scenario", loginScenario)
	return h
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   *float64        `json:"expires_in"`
	TrustToken  string          `json:"mfa_trust_token"`
	Error       json.RawMessage `json:"error"`
}

type verifyResponse struct {
	Data struct {
		TrustToken string `json:"mfa_trust_token"`
	} `json:"data"`
	Error json.RawMessage `json:"error"`
}

type serviceError struct {
	Code     int
	Message  string
	MFAToken string
}

// parseServiceError accepts both the object form
// {"code":..,"message":..,"metadata":{"mfa_token":..}} and a bare string.
// The code may be encoded as a number or a string.
func parseServiceError(raw json.RawMessage) serviceError {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return serviceError{Message: s}
	}
	var obj struct {
		Code     json.RawMessage `json:"code"`
		Message  string          `json:"message"`
		Metadata struct {
			MFAToken string `json:"mfa_token"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return serviceError{Message: string(raw)}
	}
	return serviceError{
		Code:     parseCode(obj.Code),
		Message:  obj.Message,
		MFAToken: obj.Metadata.MFAToken,
	}
}

func parseCode(raw json.RawMessage) int {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return int(v)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}
