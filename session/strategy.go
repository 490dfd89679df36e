package session

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// Grant is a successful token exchange.
type Grant struct {
	AccessToken string
	// ExpiresIn is the lifetime reported by the service; zero if absent.
	ExpiresIn time.Duration
	// TrustToken is a new or re-confirmed MFA trust token, if any.
	TrustToken string
}

// Strategy is one way of obtaining a Grant. Strategies are tried in order
// by Manager.Login; returning ErrNotApplicable or an error wrapping
// ErrMFARequired or ErrTrustRejected hands over to the next strategy, any
// other error ends the attempt.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, x *Exchange) (Grant, error)
}

// CodePrompt supplies a one-time code on demand, e.g. by asking a user.
// It is only called once the service has actually issued a challenge.
type CodePrompt func(ctx context.Context) (string, error)

// DefaultStrategies returns the standard chain: trust token, TOTP secret,
// interactive prompt (when prompt is non-nil), plain password.
func DefaultStrategies(prompt CodePrompt) []Strategy {
	return []Strategy{
		TrustTokenStrategy(),
		TOTPStrategy(),
		CodeStrategy(prompt),
		PlainStrategy(),
	}
}

// TrustTokenStrategy replays a stored MFA trust token.
func TrustTokenStrategy() Strategy { return trustTokenStrategy{} }

// TOTPStrategy answers MFA challenges with a code computed from the
// configured TOTP secret.
func TOTPStrategy() Strategy { return totpStrategy{} }

// CodeStrategy answers MFA challenges with a code obtained from prompt.
// A nil prompt makes the strategy not applicable.
func CodeStrategy(prompt CodePrompt) Strategy { return codeStrategy{prompt: prompt} }

// PlainStrategy posts the credentials only, for accounts without MFA.
func PlainStrategy() Strategy { return plainStrategy{} }

type trustTokenStrategy struct{}

func (trustTokenStrategy) Name() string { return "trust_token" }

func (trustTokenStrategy) Attempt(ctx context.Context, x *Exchange) (Grant, error) {
	trust := x.TrustToken()
	if trust == "" {
		return Grant{}, ErrNotApplicable
	}
	grant, err := x.RequestToken(ctx, url.Values{
		"mfa_trusted":     {"true"},
		"mfa_trust_token": {trust},
	})
	if err != nil {
		// Only a fresh challenge means the device is no longer trusted.
		// Other service errors stop the chain and keep the token.
		if errors.Is(err, ErrMFARequired) {
			return Grant{}, &AuthError{Strategy: "trust_token", Err: ErrTrustRejected}
		}
		return Grant{}, err
	}
	// Success implicitly confirms the device is still trusted.
	if grant.TrustToken == "" {
		grant.TrustToken = trust
	}
	return grant, nil
}

type totpStrategy struct{}

func (totpStrategy) Name() string { return "totp" }

func (s totpStrategy) Attempt(ctx context.Context, x *Exchange) (Grant, error) {
	if !x.HasTOTP() {
		return Grant{}, ErrNotApplicable
	}
	return answerChallenge(ctx, x, s.Name(), func(context.Context) (string, error) {
		return x.TOTPCode()
	})
}

type codeStrategy struct {
	prompt CodePrompt
}

func (codeStrategy) Name() string { return "code" }

func (s codeStrategy) Attempt(ctx context.Context, x *Exchange) (Grant, error) {
	if s.prompt == nil {
		return Grant{}, ErrNotApplicable
	}
	return answerChallenge(ctx, x, s.Name(), s.prompt)
}

// answerChallenge performs the password login and, if the service asks for
// a second factor, verifies a code (trusting this device) and completes the
// exchange with the challenge token.
func answerChallenge(ctx context.Context, x *Exchange, name string, code CodePrompt) (Grant, error) {
	grant, err := x.RequestToken(ctx, url.Values{"mfa_trusted": {"false"}})
	if err == nil {
		// MFA is not enabled on this account.
		return grant, nil
	}
	var challenge *ChallengeError
	if !errors.As(err, &challenge) {
		return Grant{}, err
	}

	raw, err := code(ctx)
	if err != nil {
		return Grant{}, err
	}
	otp, err := normalizeCode(raw)
	if err != nil {
		return Grant{}, &AuthError{Strategy: name, Err: err}
	}

	trust, err := x.VerifyCode(ctx, challenge.MFAToken, otp)
	if err != nil {
		return Grant{}, err
	}

	grant, err = x.RequestToken(ctx, url.Values{
		"mfa_trusted": {"true"},
		"mfa_token":   {challenge.MFAToken},
		"mfa_code":    {otp},
		"mfa_type":    {"totp"},
	})
	if err != nil {
		if errors.Is(err, ErrMFARequired) {
			return Grant{}, &AuthError{Strategy: name, Err: ErrInvalidMFACode}
		}
		return Grant{}, err
	}
	grant.TrustToken = trust
	return grant, nil
}

type plainStrategy struct{}

func (plainStrategy) Name() string { return "plain" }

func (plainStrategy) Attempt(ctx context.Context, x *Exchange) (Grant, error) {
	grant, err := x.RequestToken(ctx, url.Values{"mfa_trusted": {"false"}})
	if errors.Is(err, ErrMFARequired) {
		return Grant{}, &AuthError{Strategy: "plain", Err: ErrMFARequired}
	}
	return grant, err
}
