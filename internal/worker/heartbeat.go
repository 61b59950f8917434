package worker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
)

// HeartbeatPublisher delivers one status update; the NATS publish in
// cmd/worker satisfies it.
type HeartbeatPublisher func(hb *models.WorkerHeartbeat) error

// Heartbeater periodically publishes the node's status: busy/idle, CPU and
// memory utilization, and the running retired-item count. Publishing is
// best-effort; a failed publish is logged and the ticker keeps going.
type Heartbeater struct {
	ctrl     *Controller
	publish  HeartbeatPublisher
	interval time.Duration
	logger   *zap.Logger
}

// NewHeartbeater builds a heartbeater for the controller.
func NewHeartbeater(ctrl *Controller, publish HeartbeatPublisher, interval time.Duration, logger *zap.Logger) *Heartbeater {
	return &Heartbeater{ctrl: ctrl, publish: publish, interval: interval, logger: logger}
}

// Run publishes until ctx is cancelled.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.publish(h.snapshot()); err != nil {
				h.logger.Warn("Failed to publish heartbeat", zap.Error(err))
			}
		}
	}
}

func (h *Heartbeater) snapshot() *models.WorkerHeartbeat {
	status, retired := h.ctrl.Status()
	hb := &models.WorkerHeartbeat{
		InstanceID:   h.ctrl.cfg.InstanceID,
		NodeID:       h.ctrl.nodeID,
		Address:      h.ctrl.address,
		Status:       status,
		RetiredItems: retired,
		Timestamp:    time.Now().UTC(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	} else if err != nil {
		h.logger.Debug("Failed to sample CPU usage", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemPercent = vm.UsedPercent
	} else {
		h.logger.Debug("Failed to sample memory usage", zap.Error(err))
	}
	return hb
}
