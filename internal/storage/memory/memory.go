// Package memory provides an in-memory implementation of the storage.KV
// interface with a background janitor that purges expired entries.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/restmcp/gateway/internal/storage"
)

const janitorInterval = 60 * time.Second

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// KV is an in-memory storage.KV suitable for single-process deployments.
type KV struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopCh  chan struct{}
	once    sync.Once
}

var _ storage.KV = (*KV)(nil)

func New() *KV {
	kv := &KV{
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	go kv.janitor()
	return kv
}

func (kv *KV) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	e := &entry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	kv.mu.Lock()
	kv.entries[key] = e
	kv.mu.Unlock()
	return nil
}

func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		delete(kv.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (kv *KV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok {
		return nil, false, nil
	}
	delete(kv.entries, key)
	if e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (kv *KV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.entries, key)
	kv.mu.Unlock()
	return nil
}

func (kv *KV) Close() error {
	kv.once.Do(func() { close(kv.stopCh) })
	return nil
}

func (kv *KV) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			kv.mu.Lock()
			for k, e := range kv.entries {
				if e.expired(now) {
					delete(kv.entries, k)
				}
			}
			kv.mu.Unlock()
		case <-kv.stopCh:
			return
		}
	}
}
