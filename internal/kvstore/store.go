package kvstore

import (
	"context"
	"time"
)

// Store is the shared counter, status and lock store. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrWithExpiry increments the counter at key and sets its expiry when the key is created.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
}
