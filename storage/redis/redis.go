// Package redis provides a Redis-backed storage repository, for deployments
// where several cloudcam processes share one token store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/cloudcam/storage"
)

const (
	defaultKeyPrefix = "cloudcam"
	opTimeout        = 5 * time.Second
)

// Store implements storage.Repository on top of one Redis hash per
// namespace. Hash fields are "kind:id"; values are JSON envelopes.
type Store struct {
	client *goredis.Client
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an existing client. prefix namespaces the hash keys;
// an empty prefix selects "cloudcam".
func NewRepository(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// NewRepositoryFromAddr dials addr and verifies the connection with PING.
func NewRepositoryFromAddr(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRepository(client, ""), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hashKey(namespace string) string {
	return s.prefix + ":ns:" + namespace
}

func field(kind, id string) string {
	return kind + ":" + id
}

func (s *Store) Put(namespace, kind, id string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.HSet(ctx, s.hashKey(namespace), field(kind, id), data).Err()
}

func (s *Store) Get(namespace, kind, id string) (*storage.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.hashKey(namespace), field(kind, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		n, existsErr := s.client.Exists(ctx, s.hashKey(namespace)).Result()
		if existsErr == nil && n == 0 {
			return nil, fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
		}
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var envelope storage.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (s *Store) Delete(namespace, kind, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := s.client.HDel(ctx, s.hashKey(namespace), field(kind, id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(namespace, kind string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	fields, err := s.client.HKeys(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	var ids []string
	prefix := kind + ":"
	for _, f := range fields {
		if id, ok := strings.CutPrefix(f, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
