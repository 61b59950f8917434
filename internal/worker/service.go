package worker

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/protocol"
)

// Service exposes a Controller's NewJob endpoint over NATS. The reply is
// sent only after the pipeline has fully drained, which is what makes the
// master's dispatch fan-out a barrier.
type Service struct {
	ctrl   *Controller
	nc     *nats.Conn
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewService wraps a controller for serving.
func NewService(ctrl *Controller, nc *nats.Conn, logger *zap.Logger) *Service {
	return &Service{ctrl: ctrl, nc: nc, logger: logger}
}

// Serve subscribes the NewJob handler on this worker's subject.
func (s *Service) Serve(ctx context.Context) error {
	subject := protocol.NewJobSubject(s.ctrl.cfg.InstanceID)
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		// Jobs are long-running; handle off the delivery goroutine so the
		// connection keeps servicing pings and heartbeat publishes.
		go s.handleNewJob(ctx, msg)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("Worker service subscribed", zap.String("subject", subject))
	return nil
}

// Stop unsubscribes the NewJob handler.
func (s *Service) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		s.sub = nil
	}
}

func (s *Service) handleNewJob(ctx context.Context, msg *nats.Msg) {
	var params models.JobParameters
	if err := json.Unmarshal(msg.Data, &params); err != nil {
		s.logger.Error("Malformed NewJob dispatch", zap.Error(err))
		s.reply(msg, protocol.NewJobReply{Error: "malformed job parameters: " + err.Error()})
		return
	}

	if err := s.ctrl.RunJob(ctx, &params); err != nil {
		s.reply(msg, protocol.NewJobReply{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.NewJobReply{})
}

func (s *Service) reply(msg *nats.Msg, reply protocol.NewJobReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to encode NewJob reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send NewJob reply", zap.Error(err))
	}
}
