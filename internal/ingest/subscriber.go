package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/klikdeploy/backend/internal/engine"
	"github.com/klikdeploy/backend/internal/models"
)

// DefaultQueueGroup lets several processes share one subject without
// double-delivery.
const DefaultQueueGroup = "deployer"

// Submitter accepts decoded requests.
type Submitter interface {
	Submit(ctx context.Context, req *models.DeploymentRequest) (engine.Result, error)
}

// Reply is sent back when the publisher asked for one.
type Reply struct {
	engine.Result
	Error string `json:"error,omitempty"`
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

type Subscriber struct {
	conn      *nats.Conn
	subject   string
	group     string
	validator *Validator
	sink      Submitter
	timeout   time.Duration
	logger    *slog.Logger
	sub       *nats.Subscription
}

func NewSubscriber(conn *nats.Conn, subject, group string, v *Validator, sink Submitter, logger *slog.Logger) *Subscriber {
	if group == "" {
		group = DefaultQueueGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{conn: conn, subject: subject, group: group, validator: v, sink: sink, timeout: 10 * time.Second, logger: logger}
}

// Start subscribes and returns; messages are handled on the NATS callback goroutine.
func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.group, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for deployment events", "subject", s.subject, "group", s.group)
	return nil
}

func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	reply := s.Process(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("marshal reply", "error", err)
		return
	}
	if err := msg.Respond(body); err != nil {
		s.logger.Warn("respond to event", "error", err)
	}
}

// Process decodes and submits one raw event.
func (s *Subscriber) Process(ctx context.Context, data []byte) Reply {
	ev, err := s.validator.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed deployment event", "error", err)
		return Reply{Error: err.Error()}
	}
	res, err := s.sink.Submit(ctx, ev.Request())
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, engine.ErrInvalidRequest) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "submit deployment event", "request_id", ev.RequestID, "error", err)
		return Reply{Result: res, Error: err.Error()}
	}
	return Reply{Result: res}
}
