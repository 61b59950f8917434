package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend used by tests and single-node runs.
// Writes stage in a private buffer and become visible atomically on Save.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// saveHook, when set, runs before each commit and may return an error to
	// simulate transient save failures.
	saveHook func(key string, attempt int) error
	attempts map[string]int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:  make(map[string][]byte),
		attempts: make(map[string]int),
	}
}

// SetSaveHook installs a hook invoked on every Save with the key and the
// 1-based attempt count for that key.
func (b *MemoryBackend) SetSaveHook(hook func(key string, attempt int) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveHook = hook
}

func (b *MemoryBackend) ReadAll(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) NewWriteFile(ctx context.Context, key string) (WriteFile, error) {
	return &memoryWriteFile{backend: b, key: key}, nil
}

type memoryWriteFile struct {
	backend   *MemoryBackend
	key       string
	buf       bytes.Buffer
	discarded bool
}

func (wf *memoryWriteFile) Write(p []byte) (int, error) {
	return wf.buf.Write(p)
}

func (wf *memoryWriteFile) Save(ctx context.Context) error {
	wf.backend.mu.Lock()
	defer wf.backend.mu.Unlock()
	if wf.discarded {
		return ErrNotFound
	}
	if wf.backend.saveHook != nil {
		wf.backend.attempts[wf.key]++
		if err := wf.backend.saveHook(wf.key, wf.backend.attempts[wf.key]); err != nil {
			return err
		}
	}
	data := make([]byte, wf.buf.Len())
	copy(data, wf.buf.Bytes())
	wf.backend.objects[wf.key] = data
	return nil
}

func (wf *memoryWriteFile) Discard() {
	wf.discarded = true
	wf.buf.Reset()
}
