package storage

import (
	"fmt"

	"github.com/jmcleod/cloudcam/internal/util"
)

const (
	envelopeVer    = 1
	schemeAESGCM   = "aes256gcm"
	gcmNonceLength = 12
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
	}
}

// SealRecord encrypts plaintext into an Envelope using key and aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     schemeAESGCM,
		Nonce:      sealed[:gcmNonceLength],
		Ciphertext: sealed[gcmNonceLength:],
	}, nil
}

// OpenRecord decrypts an Envelope using key and aad.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != schemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.Open(full, key, aad)
}
