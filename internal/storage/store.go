package storage

import (
	"context"
	"errors"
	"strings"
)

// Backend is a key-value blob store addressed by string keys.
type Backend interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

var ErrNotFound = errors.New("object not found")

// URLer is implemented by backends that can name an object with a URL.
type URLer interface {
	URL(key string) string
}

// ObjectURL returns the URL of key in b, looking through decorators. Backends
// without URLs yield the normalized key.
func ObjectURL(b Backend, key string) string {
	for b != nil {
		if u, ok := b.(URLer); ok {
			return u.URL(key)
		}
		w, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			break
		}
		b = w.Unwrap()
	}
	return normalizeKey(key)
}

// normalizeKey trims whitespace and leading slashes so that "a/b" and "/a/b"
// address the same object in every backend.
func normalizeKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
