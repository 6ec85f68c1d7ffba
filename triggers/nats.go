package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// DefaultSubjectPrefix is prepended to the deployment id to form the subject
// a deployment's batches are published on.
const DefaultSubjectPrefix = "triggers"

// NATSConfig holds the connection settings of the NATS source.
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Token         string        `mapstructure:"token" yaml:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Buffer        int           `mapstructure:"buffer" yaml:"buffer"`
}

// DefaultNATSConfig returns the settings used for zero fields.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "graph-node",
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		Buffer:        DefaultBuffer,
	}
}

// Conn is the part of a NATS connection the source uses.
type Conn interface {
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
	Publish(subject string, data []byte) error
}

type Subscription interface {
	Unsubscribe() error
}

type natsConn struct {
	nc *nats.Conn
}

func (c natsConn) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	return c.nc.Subscribe(subject, handler)
}

func (c natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// WrapConn adapts a NATS connection.
func WrapConn(nc *nats.Conn) Conn {
	return natsConn{nc: nc}
}

// Connect dials NATS, giving up when ctx is done.
func Connect(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, opts...)
		done <- result{conn: nc, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// NATSSource receives batches published as JSON on "<prefix>.<deployment>".
type NATSSource struct {
	conn   Conn
	logger *zap.Logger
	prefix string
	buffer int
}

func NewNATSSource(conn Conn, cfg NATSConfig, logger *zap.Logger) *NATSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &NATSSource{
		conn:   conn,
		logger: logger.Named("triggers"),
		prefix: cfg.SubjectPrefix,
		buffer: cfg.Buffer,
	}
}

// Subject returns the subject batches of id are published on.
func (s *NATSSource) Subject(id subgraphruntime.DeploymentID) string {
	return s.prefix + "." + id.String()
}

// Subscribe subscribes to the subject of id until ctx is done. Messages that
// do not decode are logged and dropped.
func (s *NATSSource) Subscribe(ctx context.Context, id subgraphruntime.DeploymentID) (<-chan Batch, error) {
	out := make(chan Batch, s.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	logger := s.logger.With(zap.String("deployment", id.String()))

	sub, err := s.conn.Subscribe(s.Subject(id), func(msg *nats.Msg) {
		b, err := DecodeBatch(msg.Data)
		if err != nil {
			logger.Warn("dropping malformed trigger batch", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- b:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.Subject(id), err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			logger.Debug("unsubscribe", zap.Error(err))
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Publish sends b to the subject of id.
func (s *NATSSource) Publish(id subgraphruntime.DeploymentID, b Batch) error {
	if err := b.Normalize(); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return s.conn.Publish(s.Subject(id), data)
}
