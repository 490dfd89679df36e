package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// Credentials holds the account identity. The password and optional TOTP
// secret live in memguard Enclaves (encrypted while at rest in memory) and
// are only decrypted for the duration of a login request.
// Call Destroy() when done.
type Credentials struct {
	mu         sync.Mutex
	username   string
	password   *memguard.Enclave
	totpSecret *memguard.Enclave
	destroyed  bool
}

// CredentialsOption customizes credential creation.
type CredentialsOption func(*credentialsOptions)

type credentialsOptions struct {
	totpSecret string
}

// WithTOTPSecret configures the pre-shared base32 TOTP secret used to
// answer MFA challenges without user interaction.
func WithTOTPSecret(secret string) CredentialsOption {
	return func(o *credentialsOptions) {
		o.totpSecret = secret
	}
}

// NewCredentials validates and seals the given secrets.
func NewCredentials(username, password string, opts ...CredentialsOption) (*Credentials, error) {
	if username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	o := credentialsOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Credentials{
		username: username,
		password: memguard.NewEnclave([]byte(password)),
	}
	if o.totpSecret != "" {
		raw, err := decodeTOTPSecret(o.totpSecret)
		if err != nil {
			return nil, fmt.Errorf("invalid TOTP secret: %w", err)
		}
		c.totpSecret = memguard.NewEnclave(raw)
	}
	return c, nil
}

// Username returns the account name. It is safe to log.
func (c *Credentials) Username() string {
	return c.username
}

// HasTOTP reports whether a TOTP secret is configured.
func (c *Credentials) HasTOTP() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && c.totpSecret != nil
}

// withPassword decrypts the password and passes a copy to fn.
func (c *Credentials) withPassword(fn func(password string) error) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrCredentialsDestroyed
	}
	enclave := c.password
	c.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening password enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(string(buf.Bytes()))
}

// totpCode computes the one-time code for at.
func (c *Credentials) totpCode(at time.Time) (string, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return "", ErrCredentialsDestroyed
	}
	enclave := c.totpSecret
	c.mu.Unlock()
	if enclave == nil {
		return "", fmt.Errorf("no TOTP secret configured")
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening TOTP enclave: %w", err)
	}
	defer buf.Destroy()
	return totpCodeAt(buf.Bytes(), at), nil
}

// Destroy drops the sealed secrets. After calling Destroy, the Credentials
// must not be reused.
func (c *Credentials) Destroy() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.password = nil
	c.totpSecret = nil
	c.destroyed = true
}
