package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pulsegrid/relink/errs"
	"github.com/pulsegrid/relink/internal/observability"
	"github.com/pulsegrid/relink/internal/schema"
)

// healthMessage is the wire shape pushed by the service health endpoint.
type healthMessage struct {
	Status    string `json:"status"`
	ConnectID string `json:"connect_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// HealthProbe maintains a websocket to the service health endpoint and
// translates its lifecycle into connectivity intents. All intents go
// through the same publisher entry point as every other producer.
type HealthProbe struct {
	url       string
	publisher *Publisher

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once

	errorChan chan<- error
}

// NewHealthProbe creates a probe for the given health endpoint URL.
func NewHealthProbe(ctx context.Context, url string, publisher *Publisher, errorChan chan<- error) *HealthProbe {
	probeCtx, cancel := context.WithCancel(ctx)
	return &HealthProbe{
		url:       url,
		publisher: publisher,
		ctx:       probeCtx,
		cancel:    cancel,
		conn:      nil,
		connMu:    sync.RWMutex{},
		ready:     make(chan struct{}),
		readyOnce: sync.Once{},
		errorChan: errorChan,
	}
}

// Start establishes the websocket in a background goroutine and waits for
// the initial connection.
func (hp *HealthProbe) Start() error {
	go func() {
		if err := hp.connect(); err != nil && !errors.Is(err, context.Canceled) {
			hp.reportError(fmt.Errorf("health probe connection failed: %w", err))
		}
	}()

	select {
	case <-hp.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errs.New(errs.KindConnectionTimeout, errs.WithMessage("timeout waiting for health endpoint"))
	case <-hp.ctx.Done():
		return fmt.Errorf("health probe context done: %w", hp.ctx.Err())
	}
}

// Stop closes the websocket and cancels the probe context.
func (hp *HealthProbe) Stop() {
	hp.cancel()
	hp.connMu.Lock()
	if hp.conn != nil {
		_ = hp.conn.Close(websocket.StatusNormalClosure, "shutdown")
		hp.conn = nil
	}
	hp.connMu.Unlock()
}

// connect maintains the connection with automatic reconnection and
// exponential backoff, publishing connecting / connected / disconnected
// intents around each transition.
func (hp *HealthProbe) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-hp.ctx.Done():
			return context.Canceled
		default:
		}

		connectID := schema.ConnectID(uuid.NewString())
		hp.publisher.Publish(schema.ConnectingIntent(schema.SourceDataCenter, connectID))

		conn, _, err := websocket.Dial(hp.ctx, hp.url, nil)
		if err != nil {
			failure := errs.New(errs.KindHandshakeFailed,
				errs.WithMessage("health endpoint dial failed"),
				errs.WithCause(err),
				errs.WithConnectID(string(connectID)))
			hp.publisher.Publish(schema.DisconnectedIntent(schema.SourceDataCenter, failure, connectID))
			hp.reportError(fmt.Errorf("dial %s: %w", hp.url, err))

			sleep := backoffCfg.NextBackOff()
			select {
			case <-hp.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		hp.connMu.Lock()
		hp.conn = conn
		hp.connMu.Unlock()

		hp.readyOnce.Do(func() {
			close(hp.ready)
		})

		backoffCfg.Reset()
		hp.publisher.Publish(schema.ConnectedIntent(schema.SourceDataCenter, connectID))

		if err := hp.readLoop(conn, connectID); err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			failure := errs.New(errs.KindConnectionFailed,
				errs.WithMessage("health stream interrupted"),
				errs.WithCause(err),
				errs.WithConnectID(string(connectID)))
			hp.publisher.Publish(schema.DisconnectedIntent(schema.SourceDataCenter, failure, connectID))
			hp.reportError(fmt.Errorf("read loop: %w", err))
		}

		hp.connMu.Lock()
		hp.conn = nil
		hp.connMu.Unlock()

		sleep := backoffCfg.NextBackOff()
		select {
		case <-hp.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// readLoop consumes health frames until the connection breaks. A
// shutting-down announcement publishes its intent but keeps reading so the
// final close still surfaces as a disconnect.
func (hp *HealthProbe) readLoop(conn *websocket.Conn, connectID schema.ConnectID) error {
	for {
		msgType, data, err := conn.Read(hp.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		var msg healthMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Debug("healthprobe: undecodable frame",
				observability.Field{Key: "error", Value: err})
			continue
		}

		switch msg.Status {
		case "shutting_down":
			failure := errs.New(errs.KindServiceUnavailable,
				errs.WithMessage(msg.Detail),
				errs.WithConnectID(string(connectID)))
			hp.publisher.Publish(schema.ShuttingDownIntent(failure))
		case "ok", "healthy", "":
			// Steady-state heartbeat; the connected intent already fired.
		default:
			observability.Log().Debug("healthprobe: unrecognized status",
				observability.Field{Key: "status", Value: msg.Status})
		}
	}
}

func (hp *HealthProbe) reportError(err error) {
	if err == nil || hp.errorChan == nil {
		return
	}
	select {
	case <-hp.ctx.Done():
	case hp.errorChan <- err:
	default:
	}
}
