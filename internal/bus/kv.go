// ABOUTME: Lifecycle-managed JetStream key-value bucket with a bucket-wide TTL.
// ABOUTME: Provides put, get, keys, delete, and watch-until-deleted.

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/runtime-gateway/internal/lifecycle"
)

// KVConfig describes one bucket.
type KVConfig struct {
	Bucket string
	TTL    time.Duration
	// FileStorage keeps the bucket on disk instead of in memory.
	FileStorage bool
}

// Entry is one value observed on a key.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KV is a TTL'd key-value bucket. It holds a reference on the bus
// connection while started.
type KV struct {
	*lifecycle.Service

	conn   *Conn
	cfg    KVConfig
	logger *slog.Logger

	mu sync.RWMutex
	kv nats.KeyValue
}

// NewKV creates a stopped bucket handle.
func NewKV(conn *Conn, cfg KVConfig, services *lifecycle.Registry, logger *slog.Logger) *KV {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KV{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "kv", "bucket", cfg.Bucket),
	}
	k.Service = lifecycle.New("kv:"+cfg.Bucket, lifecycle.Funcs{
		OnInitialize: k.open,
		OnShutdown:   k.close,
	}, services, logger)
	return k
}

// TTL returns the bucket TTL.
func (k *KV) TTL() time.Duration {
	return k.cfg.TTL
}

// Bucket returns the bucket name.
func (k *KV) Bucket() string {
	return k.cfg.Bucket
}

func (k *KV) open(ctx context.Context) error {
	if err := k.conn.Start(ctx, k.Name()); err != nil {
		return err
	}

	kv, err := k.bind()
	if err != nil {
		if stopErr := k.conn.Stop(ctx, k.Name()); stopErr != nil {
			k.logger.Warn("releasing bus after failed open", "error", stopErr)
		}
		return err
	}

	k.mu.Lock()
	k.kv = kv
	k.mu.Unlock()
	return nil
}

func (k *KV) bind() (nats.KeyValue, error) {
	js, err := k.conn.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(k.cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("binding bucket %s: %w", k.cfg.Bucket, err)
	}

	storage := nats.MemoryStorage
	if k.cfg.FileStorage {
		storage = nats.FileStorage
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  k.cfg.Bucket,
		TTL:     k.cfg.TTL,
		History: 1,
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", k.cfg.Bucket, err)
	}
	k.logger.Info("created bucket", "ttl", k.cfg.TTL)
	return kv, nil
}

func (k *KV) close(ctx context.Context) error {
	k.mu.Lock()
	k.kv = nil
	k.mu.Unlock()
	return k.conn.Stop(ctx, k.Name())
}

func (k *KV) store() (nats.KeyValue, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kv == nil {
		return nil, ErrNotStarted
	}
	return k.kv, nil
}

// Put creates or refreshes key. Its TTL restarts.
func (k *KV) Put(ctx context.Context, key string, value []byte) error {
	kv, err := k.store()
	if err != nil {
		return err
	}
	if _, err := kv.Put(key, value); err != nil {
		return fmt.Errorf("putting %s/%s: %w", k.cfg.Bucket, key, err)
	}
	return nil
}

// Get returns the current value of key.
func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := k.store()
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, k.cfg.Bucket, key)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", k.cfg.Bucket, key, err)
	}
	return entry.Value(), nil
}

// Keys lists the live keys. An empty bucket yields an empty slice.
func (k *KV) Keys(ctx context.Context) ([]string, error) {
	kv, err := k.store()
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing %s: %w", k.cfg.Bucket, err)
	}
	return keys, nil
}

// Delete removes key. Watchers of the key see their channel close.
func (k *KV) Delete(ctx context.Context, key string) error {
	kv, err := k.store()
	if err != nil {
		return err
	}
	if err := kv.Delete(key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", k.cfg.Bucket, key, err)
	}
	return nil
}

// Watch streams values of key, starting with the current one if present.
// The channel closes when the key is deleted or purged, or ctx ends.
func (k *KV) Watch(ctx context.Context, key string) (<-chan Entry, error) {
	kv, err := k.store()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w, err := kv.Watch(key, nats.Context(ctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s/%s: %w", k.cfg.Bucket, key, err)
	}

	out := make(chan Entry)
	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			if err := w.Stop(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				k.logger.Debug("stopping watcher", "key", key, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial values.
				if e == nil {
					continue
				}
				if op := e.Operation(); op == nats.KeyValueDelete || op == nats.KeyValuePurge {
					return
				}
				entry := Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision(), Created: e.Created()}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
