package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/divergebot/internal/crypto"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/platform/bybit"
)

// DefaultBybitPrivateURL is the v5 private stream endpoint.
const DefaultBybitPrivateURL = "wss://stream.bybit.com/v5/private"

const authTimeout = 10 * time.Second

// OrderEventConfig wires an OrderEventListener.
type OrderEventConfig struct {
	URL     string
	Account string
	Auth    crypto.HMACAuth
	Fills   domain.OrderFillCache
	// Bus receives every new fill on domain.ChannelFills. Optional.
	Bus        domain.SignalBus
	Dedup      *executor.Dedup
	Logger     *slog.Logger
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Heartbeat  time.Duration
}

// OrderEventListener follows one account's private execution topic and
// feeds the recent-fill cache that limit-order ladders advance on.
type OrderEventListener struct {
	url       string
	account   string
	auth      crypto.HMACAuth
	fills     domain.OrderFillCache
	bus       domain.SignalBus
	dedup     *executor.Dedup
	logger    *slog.Logger
	dialer    *websocket.Dialer
	backoff   backoff
	heartbeat time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewOrderEventListener creates a listener. It does nothing until Run.
func NewOrderEventListener(cfg OrderEventConfig) *OrderEventListener {
	url := cfg.URL
	if url == "" {
		url = DefaultBybitPrivateURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	dedup := cfg.Dedup
	if dedup == nil {
		dedup = executor.NewDedup(time.Hour)
	}
	return &OrderEventListener{
		url:       url,
		account:   cfg.Account,
		auth:      cfg.Auth,
		fills:     cfg.Fills,
		bus:       cfg.Bus,
		dedup:     dedup,
		logger:    cfg.Logger.With(slog.String("component", "order_events"), slog.String("account", cfg.Account)),
		dialer:    dialer,
		backoff:   newBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		heartbeat: heartbeat,
		stop:      make(chan struct{}),
	}
}

// Run authenticates, subscribes to executions and records fills until ctx
// is cancelled or Stop is called.
func (l *OrderEventListener) Run(ctx context.Context) error {
	if !l.auth.Valid() {
		return fmt.Errorf("feed: order events %s: %w", l.account, domain.ErrUnauthorized)
	}
	l.logger.Info("order event listener started")
	defer l.logger.Info("order event listener stopped")
	return l.backoff.run(ctx, l.stop, "orders_"+l.account, l.logger, l.session)
}

// Stop ends Run at the next read boundary.
func (l *OrderEventListener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

type wsOp struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

func (l *OrderEventListener) session(ctx context.Context) (bool, error) {
	conn, err := dial(ctx, l.dialer, l.url, l.heartbeat)
	if err != nil {
		return false, err
	}
	defer conn.close()

	if err := l.authenticate(conn); err != nil {
		return false, err
	}
	sub, _ := json.Marshal(wsOp{Op: "subscribe", Args: []any{"execution"}})
	if err := conn.write(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	ping, _ := json.Marshal(wsOp{Op: "ping"})
	go conn.keepAlive(ctx, l.stop, done, ping)

	delivered := false
	for {
		msg, err := conn.read()
		if err != nil {
			select {
			case <-l.stop:
				return delivered, errStopped
			default:
			}
			return delivered, err
		}
		if n := l.handle(ctx, msg); n > 0 {
			delivered = true
		}
	}
}

func (l *OrderEventListener) authenticate(conn *wsConn) error {
	frame, err := json.Marshal(wsOp{Op: "auth", Args: l.auth.WSAuthArgs(time.Now().Add(authTimeout))})
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	if err := conn.write(frame); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	for {
		msg, err := conn.read()
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		var ack bybit.OpMessage
		if json.Unmarshal(msg, &ack) != nil || ack.Op != "auth" {
			continue
		}
		if ack.Success == nil || !*ack.Success {
			return fmt.Errorf("auth rejected: %s: %w", ack.RetMsg, domain.ErrUnauthorized)
		}
		return nil
	}
}

// handle records the trades of one execution push and returns how many
// were new.
func (l *OrderEventListener) handle(ctx context.Context, raw []byte) int {
	var msg bybit.ExecutionMessage
	if err := json.Unmarshal(raw, &msg); err != nil || !strings.HasPrefix(msg.Topic, "execution") {
		return 0
	}

	n := 0
	for _, e := range msg.Data {
		if !e.IsTrade() || l.dedup.IsDuplicate(l.account+":"+e.ExecID) {
			continue
		}
		f := e.ToFill(l.account)
		if err := l.fills.Put(ctx, f); err != nil {
			l.logger.Warn("cache fill failed",
				slog.String("order_id", f.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
		l.logger.Debug("fill received",
			slog.String("symbol", f.Symbol),
			slog.String("order_id", f.OrderID),
			slog.String("client_id", f.ClientID),
			slog.Float64("qty", f.Qty),
			slog.Float64("price", f.Price),
		)
		if l.bus == nil {
			continue
		}
		payload, err := json.Marshal(f)
		if err != nil {
			continue
		}
		if err := l.bus.Publish(ctx, domain.ChannelFills(l.account), payload); err != nil {
			l.logger.Warn("publish fill failed", slog.String("error", err.Error()))
		}
	}
	return n
}
