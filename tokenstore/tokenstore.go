// Package tokenstore persists the per-account session record (access token,
// expiry and MFA trust token) so a restart does not force a fresh login.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/cloudcam/internal/util"
	"github.com/jmcleod/cloudcam/storage"
)

const (
	keyNamespace     = "__tokenstore"
	keyKind          = "KEY"
	keyID            = "current"
	tokenKind        = "TOKEN"
	tokenID          = "current"
	tokenAADPrefix   = "token:"
	keyWrappingAAD   = "cloudcam:tokenstore_key:v1"
	wrappingKeyBytes = 32
)

// Record is what survives a restart for one account.
type Record struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TrustToken  string    `json:"mfa_trust_token,omitempty"`
}

// Store loads and saves Records keyed by account.
type Store interface {
	// Load returns the record for account. ok is false when nothing was
	// stored or the stored record could not be decrypted.
	Load(account string) (rec Record, ok bool, err error)
	Save(account string, rec Record) error
	Delete(account string) error
}

// SealedStore keeps Records in a storage.Repository, encrypted at rest with
// AES-256-GCM. The record key is itself sealed with an externally provided
// wrapping key and never stored in the clear.
type SealedStore struct {
	repo        storage.Repository
	mu          sync.Mutex
	key         []byte
	wrappingKey []byte
	closeOnce   sync.Once
}

var _ Store = (*SealedStore)(nil)

// New opens (or initializes) a SealedStore on repo. wrappingKey must be 32
// bytes; see util.DeriveWrappingKey for deriving one from a secret string.
func New(repo storage.Repository, wrappingKey []byte) (*SealedStore, error) {
	if len(wrappingKey) != wrappingKeyBytes {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", wrappingKeyBytes, len(wrappingKey))
	}
	wk := util.CopyBytes(wrappingKey)

	key, err := loadOrCreateKey(repo, wk)
	if err != nil {
		util.WipeBytes(wk)
		return nil, err
	}
	return &SealedStore{repo: repo, key: key, wrappingKey: wk}, nil
}

// Close wipes key material. The store must not be used afterwards.
func (s *SealedStore) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		util.WipeBytes(s.key)
		util.WipeBytes(s.wrappingKey)
	})
}

func (s *SealedStore) Load(account string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.repo.Get(account, tokenKind, tokenID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading token record: %w", err)
	}
	data, err := storage.OpenRecord(s.key, env, []byte(tokenAADPrefix+account))
	if err != nil {
		// Written under a different wrapping key; treat as absent.
		return Record{}, false, nil
	}
	defer util.WipeBytes(data)

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *SealedStore) Save(account string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	defer util.WipeBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := storage.SealRecord(s.key, data, []byte(tokenAADPrefix+account))
	if err != nil {
		return fmt.Errorf("sealing token record: %w", err)
	}
	if err := s.repo.Put(account, tokenKind, tokenID, env); err != nil {
		return fmt.Errorf("saving token record: %w", err)
	}
	return nil
}

func (s *SealedStore) Delete(account string) error {
	err := s.repo.Delete(account, tokenKind, tokenID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil
	}
	return err
}

// loadOrCreateKey unseals the record key with wrappingKey, or generates and
// persists a new one. A key sealed under a different wrapping key is
// replaced; records written under it become unreadable and Load reports
// them as absent, which only costs one extra login.
func loadOrCreateKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(keyWrappingAAD)

	env, err := repo.Get(keyNamespace, keyKind, keyID)
	if err == nil && env != nil {
		key, err := storage.OpenRecord(wrappingKey, env, aad)
		if err == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, fmt.Errorf("loading token store key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new token store key: %w", err)
	}
	if err := repo.Put(keyNamespace, keyKind, keyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting token store key: %w", err)
	}
	return key, nil
}
