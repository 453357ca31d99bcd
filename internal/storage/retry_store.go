package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// RetryStore retries transient backend failures with bounded exponential
// backoff. ErrNotFound and context cancellation are never retried.
type RetryStore struct {
	origin Backend
	cfg    RetryConfig
}

func NewRetryStore(origin Backend, cfg RetryConfig) *RetryStore {
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &RetryStore{origin: origin, cfg: cfg}
}

func (s *RetryStore) Unwrap() Backend { return s.origin }

func (s *RetryStore) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialInterval
	eb.MaxInterval = s.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.MaxRetries), ctx)
}

func (s *RetryStore) do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, s.newBackOff(ctx))
}

func (s *RetryStore) Put(ctx context.Context, key string, content []byte) error {
	return s.do(ctx, func() error {
		return s.origin.Put(ctx, key, content)
	})
}

func (s *RetryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, func() error {
		raw, err := s.origin.Get(ctx, key)
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

func (s *RetryStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.do(ctx, func() error {
		v, err := s.origin.Exists(ctx, key)
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

func (s *RetryStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.do(ctx, func() error {
		keys, err := s.origin.List(ctx, prefix)
		if err != nil {
			return err
		}
		out = keys
		return nil
	})
	return out, err
}
