package mempool

import (
	"testing"

	"github.com/pombredanne/scanner-3/internal/models"
)

func TestAllocChargesAndReleases(t *testing.T) {
	a := NewAllocator(Config{CPUPoolBytes: 1024, GPUPoolBytes: 512})

	buf, err := a.Alloc(models.CPUDevice, 512)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if got := a.InUse(models.CPUDevice); got != 512 {
		t.Errorf("in use = %d, want 512", got)
	}
	a.Release(buf)
	if got := a.InUse(models.CPUDevice); got != 0 {
		t.Errorf("in use after release = %d, want 0", got)
	}
}

func TestAllocExhaustionFails(t *testing.T) {
	a := NewAllocator(Config{CPUPoolBytes: 100, GPUPoolBytes: 100})

	buf, err := a.Alloc(models.CPUDevice, 80)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := a.Alloc(models.CPUDevice, 80); err == nil {
		t.Error("expected exhaustion error")
	}
	a.Release(buf)
	if _, err := a.Alloc(models.CPUDevice, 80); err != nil {
		t.Errorf("Alloc after release failed: %v", err)
	}
}

func TestPoolsAreKeyedPerDevice(t *testing.T) {
	a := NewAllocator(Config{CPUPoolBytes: 100, GPUPoolBytes: 100})

	gpu0 := models.DeviceHandle{Type: models.DeviceGPU, ID: 0}
	gpu1 := models.DeviceHandle{Type: models.DeviceGPU, ID: 1}
	if _, err := a.Alloc(gpu0, 100); err != nil {
		t.Fatalf("gpu0 alloc failed: %v", err)
	}
	// gpu1 has its own budget.
	if _, err := a.Alloc(gpu1, 100); err != nil {
		t.Errorf("gpu1 alloc failed: %v", err)
	}
	if _, err := a.Alloc(gpu0, 1); err == nil {
		t.Error("gpu0 should be exhausted")
	}
}

func TestRecycledBufferRefundsChargedSizeOnly(t *testing.T) {
	a := NewAllocator(Config{CPUPoolBytes: 1000, GPUPoolBytes: 100})

	// Seed the free list with a 600-byte-capacity buffer.
	big, err := a.Alloc(models.CPUDevice, 600)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	big.Data = append(big.Data, make([]byte, 600)...)
	a.Release(big)

	// Repeated small allocations that reuse the big buffer must charge and
	// refund their own size, never the recycled capacity.
	for i := 0; i < 10; i++ {
		small, err := a.Alloc(models.CPUDevice, 100)
		if err != nil {
			t.Fatalf("iteration %d: Alloc failed: %v", i, err)
		}
		if got := a.InUse(models.CPUDevice); got != 100 {
			t.Fatalf("iteration %d: in use = %d, want 100", i, got)
		}
		a.Release(small)
		if got := a.InUse(models.CPUDevice); got != 0 {
			t.Fatalf("iteration %d: in use after release = %d, want 0", i, got)
		}
	}
}

func TestDoubleReleaseDoesNotDrainAccounting(t *testing.T) {
	a := NewAllocator(Config{CPUPoolBytes: 100, GPUPoolBytes: 100})

	keep, err := a.Alloc(models.CPUDevice, 50)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	buf, err := a.Alloc(models.CPUDevice, 30)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	a.Release(buf)
	a.Release(buf)
	if got := a.InUse(models.CPUDevice); got != 50 {
		t.Errorf("in use = %d, want 50 (double release refunded twice)", got)
	}
	a.Release(keep)
}
