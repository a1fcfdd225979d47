package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/divergebot/internal/metrics"
)

const (
	// defaultMinBackoff is the first reconnect delay.
	defaultMinBackoff = 2 * time.Second

	// defaultMaxBackoff caps the exponential backoff.
	defaultMaxBackoff = 60 * time.Second

	// defaultHeartbeat is how often a ping is sent. The read deadline is
	// three heartbeats.
	defaultHeartbeat = 20 * time.Second

	writeWait = 10 * time.Second

	// markRefresh is how often an unchanged quote re-stamps its mark.
	markRefresh = time.Second
)

// errStopped ends a session after Stop.
var errStopped = errors.New("feed: listener stopped")

// backoff holds the reconnect policy shared by the listeners.
type backoff struct {
	min, max time.Duration
}

func newBackoff(minDelay, maxDelay time.Duration) backoff {
	if minDelay <= 0 {
		minDelay = defaultMinBackoff
	}
	if maxDelay < minDelay {
		maxDelay = defaultMaxBackoff
	}
	return backoff{min: minDelay, max: maxDelay}
}

// run calls session until ctx is done or stop is closed. The delay doubles
// after every failed session and resets once a session has delivered data.
func (b backoff) run(ctx context.Context, stop <-chan struct{}, name string, logger *slog.Logger, session func(context.Context) (bool, error)) error {
	delay := b.min
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		delivered, err := session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStopped) {
			return nil
		}
		if delivered {
			delay = b.min
		}

		metrics.ListenerReconnects.WithLabelValues(name).Inc()
		logger.Warn("websocket disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, b.max)
	}
}

// wsConn serialises writes on a gorilla connection, which allows one
// concurrent writer.
type wsConn struct {
	conn      *websocket.Conn
	heartbeat time.Duration

	writeMu sync.Mutex
}

func dial(ctx context.Context, dialer *websocket.Dialer, url string, heartbeat time.Duration) (*wsConn, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &wsConn{conn: conn, heartbeat: heartbeat}
	c.extend()
	conn.SetPongHandler(func(string) error {
		c.extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.extend()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	return c, nil
}

func (c *wsConn) extend() {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.heartbeat))
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) writeAll(frames [][]byte) error {
	for _, f := range frames {
		if err := c.write(f); err != nil {
			return err
		}
	}
	return nil
}

// read returns the next data frame and extends the read deadline.
func (c *wsConn) read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.extend()
	return msg, nil
}

// keepAlive sends app-level heartbeats, or websocket pings when frame is
// nil, until done is closed. It closes the connection when ctx is done or
// stop is closed, which unblocks the reader.
func (c *wsConn) keepAlive(ctx context.Context, stop <-chan struct{}, done <-chan struct{}, frame []byte) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case <-stop:
			_ = c.conn.Close()
			return
		case <-ticker.C:
			var err error
			if frame != nil {
				err = c.write(frame)
			} else {
				c.writeMu.Lock()
				err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
			}
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}
