// Package mempool provides the process-wide buffer allocators stages draw
// row buffers from. Pools are keyed by device placement because device
// transfers want stable, reusable host buffers; the round-robin GPU mapping
// fixed at job start keeps those keys deterministic across runs.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pombredanne/scanner-3/internal/models"
)

// Config sizes the allocators, in bytes per device pool.
type Config struct {
	CPUPoolBytes int64 `yaml:"cpu_pool_bytes"`
	GPUPoolBytes int64 `yaml:"gpu_pool_bytes"`
}

// DefaultConfig returns the pool sizes used when the node config leaves them
// unset.
func DefaultConfig() Config {
	return Config{
		CPUPoolBytes: 4 << 30,
		GPUPoolBytes: 2 << 30,
	}
}

// Buffer is an allocation charged against one device's pool. Data starts
// zero-length with at least the requested capacity; the charge recorded at
// Alloc time is exactly what Release refunds, even when a recycled buffer
// carries a larger capacity than was asked for.
type Buffer struct {
	Data []byte

	device  models.DeviceHandle
	charged int64
}

// Allocator hands out byte buffers against a per-device budget. Exceeding
// the budget is an error rather than a block: the pipeline's queue bounds,
// not the allocator, provide backpressure.
type Allocator struct {
	mu     sync.Mutex
	pools  map[models.DeviceHandle]*devicePool
	config Config
}

type devicePool struct {
	limit int64
	used  atomic.Int64
	free  sync.Pool
}

// NewAllocator initializes the allocator. Called once at worker construction
// and torn down at worker shutdown.
func NewAllocator(config Config) *Allocator {
	if config.CPUPoolBytes == 0 {
		config.CPUPoolBytes = DefaultConfig().CPUPoolBytes
	}
	if config.GPUPoolBytes == 0 {
		config.GPUPoolBytes = DefaultConfig().GPUPoolBytes
	}
	return &Allocator{
		pools:  make(map[models.DeviceHandle]*devicePool),
		config: config,
	}
}

func (a *Allocator) pool(device models.DeviceHandle) *devicePool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[device]
	if !ok {
		limit := a.config.CPUPoolBytes
		if device.Type == models.DeviceGPU {
			limit = a.config.GPUPoolBytes
		}
		p = &devicePool{limit: limit}
		a.pools[device] = p
	}
	return p
}

// Alloc returns a buffer with capacity at least size, charging size against
// the device's pool.
func (a *Allocator) Alloc(device models.DeviceHandle, size int64) (*Buffer, error) {
	p := a.pool(device)
	if used := p.used.Add(size); used > p.limit {
		p.used.Add(-size)
		return nil, fmt.Errorf("memory pool for %s:%d exhausted: %d in use, %d requested, limit %d",
			device.Type, device.ID, used-size, size, p.limit)
	}
	buf := &Buffer{device: device, charged: size}
	if recycled, ok := p.free.Get().(*[]byte); ok && int64(cap(*recycled)) >= size {
		buf.Data = (*recycled)[:0]
	} else {
		buf.Data = make([]byte, 0, size)
	}
	return buf, nil
}

// Release refunds the buffer's recorded charge and recycles its storage.
// Releasing the same buffer twice is a bug; the charge is zeroed on the
// first call so a double release cannot drain the pool's accounting.
func (a *Allocator) Release(buf *Buffer) {
	if buf == nil || buf.charged == 0 {
		return
	}
	p := a.pool(buf.device)
	p.used.Add(-buf.charged)
	buf.charged = 0
	data := buf.Data[:0]
	buf.Data = nil
	p.free.Put(&data)
}

// InUse reports the bytes currently charged to a device's pool.
func (a *Allocator) InUse(device models.DeviceHandle) int64 {
	return a.pool(device).used.Load()
}
