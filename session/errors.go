package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials indicates the service rejected the username/password
	// (or any other non-MFA login error).
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMFARequired indicates the account needs a second factor that no
	// configured strategy could provide.
	ErrMFARequired = errors.New("multi-factor authentication required")
	// ErrInvalidMFACode indicates the one-time code was malformed or rejected.
	ErrInvalidMFACode = errors.New("invalid MFA code")
	// ErrTrustRejected indicates a stored MFA trust token is no longer accepted.
	ErrTrustRejected = errors.New("MFA trust token rejected")
	// ErrMalformedResponse indicates an authentication response could not be parsed.
	ErrMalformedResponse = errors.New("malformed authentication response")
	// ErrNoStrategy indicates no login strategy was applicable.
	ErrNoStrategy = errors.New("no login strategy applicable")
	// ErrNotApplicable is returned by a Strategy that cannot run with the
	// current configuration; the chain moves on to the next one.
	ErrNotApplicable = errors.New("strategy not applicable")
	// ErrCredentialsDestroyed indicates Destroy was called on the credentials.
	ErrCredentialsDestroyed = errors.New("credentials destroyed")
)

// AuthError describes an authentication failure reported by the service.
type AuthError struct {
	Strategy string
	Code     int
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	msg := e.Err.Error()
	if e.Strategy != "" {
		msg = e.Strategy + " login: " + msg
	}
	if e.Code != 0 || e.Message != "" {
		msg += fmt.Sprintf(" (code %d: %s)", e.Code, e.Message)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ChallengeError is returned when the service asks for a second factor. It
// carries the challenge token that correlates the follow-up verification.
type ChallengeError struct {
	MFAToken string
}

func (e *ChallengeError) Error() string {
	return ErrMFARequired.Error()
}

func (e *ChallengeError) Unwrap() error { return ErrMFARequired }
