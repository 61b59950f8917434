package master

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/protocol"
)

// Service exposes a Scheduler over NATS request/reply.
type Service struct {
	sched  *Scheduler
	nc     *nats.Conn
	logger *zap.Logger

	subs []*nats.Subscription
}

// NewService wraps a scheduler for serving.
func NewService(sched *Scheduler, nc *nats.Conn, logger *zap.Logger) *Service {
	return &Service{sched: sched, nc: nc, logger: logger}
}

// Serve subscribes the RPC handlers. It returns immediately; handlers run on
// the NATS client's delivery goroutines.
func (s *Service) Serve() error {
	sub, err := s.nc.Subscribe(protocol.SubjectRegisterWorker, s.handleRegisterWorker)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.nc.Subscribe(protocol.SubjectNextIOItem, s.handleNextIOItem)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.nc.Subscribe(protocol.SubjectWorkerStatus, s.handleWorkerStatus)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	s.logger.Info("Master service subscribed",
		zap.String("register_subject", protocol.SubjectRegisterWorker),
		zap.String("next_io_item_subject", protocol.SubjectNextIOItem),
	)
	return nil
}

// Stop unsubscribes the RPC handlers.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *Service) handleRegisterWorker(msg *nats.Msg) {
	var info protocol.WorkerInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		s.logger.Error("Malformed RegisterWorker request", zap.Error(err))
		s.reply(msg, protocol.Registration{Error: "malformed request: " + err.Error()})
		return
	}

	dispatch := protocol.NewWorkerClient(s.nc, info.InstanceID)
	nodeID, err := s.sched.RegisterWorker(info.Address, info.InstanceID, dispatch)
	if err != nil {
		s.reply(msg, protocol.Registration{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.Registration{NodeID: nodeID})
}

func (s *Service) handleNextIOItem(msg *nats.Msg) {
	s.reply(msg, protocol.NextIOItemReply{ItemID: s.sched.NextIOItem()})
}

func (s *Service) handleWorkerStatus(msg *nats.Msg) {
	var hb models.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		s.logger.Warn("Malformed worker heartbeat", zap.Error(err))
		return
	}
	s.sched.RecordHeartbeat(hb)
}

func (s *Service) reply(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
