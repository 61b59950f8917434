// Package protocol defines the NATS surface between master and workers:
// subjects, request/reply payloads, and typed clients for both directions.
// All payloads are JSON.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
)

const (
	// SubjectRegisterWorker is the master's worker-registration endpoint.
	SubjectRegisterWorker = "scanner.master.register_worker"
	// SubjectNextIOItem is the master's pull endpoint for IO items.
	SubjectNextIOItem = "scanner.master.next_io_item"
	// SubjectWorkerStatus carries periodic worker heartbeats.
	SubjectWorkerStatus = "scanner.worker.status"
)

// NewJobSubject returns the per-worker subject a NewJob dispatch is sent on.
func NewJobSubject(instanceID string) string {
	return fmt.Sprintf("scanner.worker.%s.new_job", instanceID)
}

// DrainItemID is the NextIOItem reply that signals no work remains. It is
// the one place the -1 convention survives on the wire; inside a worker,
// end-of-stream is a closed channel.
const DrainItemID int32 = -1

// WorkerInfo is the payload of a RegisterWorker request.
type WorkerInfo struct {
	// Address is the worker's advertised endpoint, <hostname>:<port>.
	Address string `json:"address"`
	// InstanceID names the worker's NATS subjects.
	InstanceID string `json:"instance_id"`
}

// Registration is the RegisterWorker reply. The node id assignment must be
// carried here: the worker uses it to name its profiler output.
type Registration struct {
	NodeID int32  `json:"node_id"`
	Error  string `json:"error,omitempty"`
}

// NextIOItemReply is the NextIOItem reply.
type NextIOItemReply struct {
	ItemID int32 `json:"item_id"`
}

// NewJobReply is the worker's reply to a NewJob dispatch, sent after its
// pipeline has fully drained.
type NewJobReply struct {
	Error string `json:"error,omitempty"`
}

// Connect establishes a NATS connection with the reconnect behavior shared
// by master and worker.
func Connect(address string, connectTimeout, reconnectWait time.Duration, maxReconnects int, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Connecting to NATS", zap.String("address", address))

	nc, err := nats.Connect(
		address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", address, err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// MasterClient is the worker's view of the master service.
type MasterClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewMasterClient wraps a NATS connection for master RPCs.
func NewMasterClient(nc *nats.Conn, requestTimeout time.Duration) *MasterClient {
	return &MasterClient{nc: nc, timeout: requestTimeout}
}

// RegisterWorker registers the worker and returns its assigned node id.
func (c *MasterClient) RegisterWorker(ctx context.Context, info WorkerInfo) (int32, error) {
	var reg Registration
	if err := c.request(ctx, SubjectRegisterWorker, info, &reg); err != nil {
		return 0, fmt.Errorf("register worker: %w", err)
	}
	if reg.Error != "" {
		return 0, fmt.Errorf("register worker: %s", reg.Error)
	}
	return reg.NodeID, nil
}

// NextIOItem pulls the next IO item id; DrainItemID means no work remains.
func (c *MasterClient) NextIOItem(ctx context.Context) (int32, error) {
	var reply NextIOItemReply
	if err := c.request(ctx, SubjectNextIOItem, struct{}{}, &reply); err != nil {
		return 0, fmt.Errorf("next io item: %w", err)
	}
	return reply.ItemID, nil
}

func (c *MasterClient) request(ctx context.Context, subject string, req, reply interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// WorkerClient is the master's stub for one registered worker.
type WorkerClient struct {
	nc         *nats.Conn
	instanceID string
}

// NewWorkerClient wraps a NATS connection for dispatching to one worker.
func NewWorkerClient(nc *nats.Conn, instanceID string) *WorkerClient {
	return &WorkerClient{nc: nc, instanceID: instanceID}
}

// NewJob dispatches a job to the worker and blocks until its pipeline has
// drained (or ctx expires). The reply carries the worker-side error, if any.
func (c *WorkerClient) NewJob(ctx context.Context, params *models.JobParameters) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode job parameters: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, NewJobSubject(c.instanceID), data)
	if err != nil {
		return fmt.Errorf("dispatch NewJob to %s: %w", c.instanceID, err)
	}
	var reply NewJobReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode NewJob reply from %s: %w", c.instanceID, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("worker %s: %s", c.instanceID, reply.Error)
	}
	return nil
}

// PublishHeartbeat publishes a worker status update. Heartbeats are
// fire-and-forget.
func PublishHeartbeat(nc *nats.Conn, hb *models.WorkerHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return nc.Publish(SubjectWorkerStatus, data)
}
