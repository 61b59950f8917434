// Package gpu discovers the CUDA devices available on a worker node. The
// engine only needs the device ids for round-robin kernel placement, so the
// probe is a thin wrapper over nvidia-smi's CSV query output.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Info describes one detected GPU.
type Info struct {
	ID          int32  `json:"id"`
	Name        string `json:"name"`
	VRAMTotalMB uint64 `json:"vram_total_mb"`
}

// Detector probes local GPUs.
type Detector struct {
	logger        *zap.Logger
	nvidiaSmiPath string
}

// NewDetector returns a detector using the given nvidia-smi binary path
// ("nvidia-smi" when empty).
func NewDetector(nvidiaSmiPath string, logger *zap.Logger) *Detector {
	if nvidiaSmiPath == "" {
		nvidiaSmiPath = "nvidia-smi"
	}
	return &Detector{logger: logger, nvidiaSmiPath: nvidiaSmiPath}
}

// Detect enumerates the node's GPUs. A missing nvidia-smi binary is not an
// error; it reports an empty list, and GPU jobs on this node fail at
// kernel-config build time instead.
func (d *Detector) Detect(ctx context.Context) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.nvidiaSmiPath,
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		d.logger.Info("No GPUs detected", zap.String("nvidia_smi", d.nvidiaSmiPath), zap.Error(err))
		return nil, nil
	}

	var gpus []Info
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi output line: %q", line)
		}
		idx, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad GPU index in %q: %w", line, err)
		}
		vram, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad GPU memory in %q: %w", line, err)
		}
		gpus = append(gpus, Info{
			ID:          int32(idx),
			Name:        strings.TrimSpace(fields[1]),
			VRAMTotalMB: vram,
		})
	}

	d.logger.Info("GPU detection completed", zap.Int("gpu_count", len(gpus)))
	return gpus, nil
}

// DeviceIDs returns just the ids of the detected GPUs, in probe order.
func DeviceIDs(gpus []Info) []int32 {
	ids := make([]int32, 0, len(gpus))
	for _, g := range gpus {
		ids = append(ids, g.ID)
	}
	return ids
}
