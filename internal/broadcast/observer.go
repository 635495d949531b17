package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/jetstream"
)

const goingAway = websocket.StatusGoingAway

type observer struct {
	conn   *websocket.Conn
	out    chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

func (o *observer) close(code websocket.StatusCode, reason string) {
	o.once.Do(func() {
		o.conn.Close(code, reason)
		o.cancel()
	})
}

// ServeHTTP upgrades the request to a websocket observer. The observer first
// receives the retained history, then live notifications, in publish order.
// It may send {"type":"clear_all"}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.queueMu.RLock()
	closed := h.closed
	h.queueMu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local tool, any origin may observe
	})
	if err != nil {
		log.Error().Err(err).Msg("observer websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &observer{
		conn:   conn,
		out:    make(chan []byte, h.observerBuffer),
		cancel: cancel,
	}
	defer o.close(websocket.StatusNormalClosure, "")

	sub, err := h.js.Subscribe(jetstream.Subjects, func(m *nats.Msg) {
		select {
		case o.out <- m.Data:
		case <-ctx.Done():
		}
	}, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe observer to history")
		o.close(websocket.StatusInternalError, "history unavailable")
		return
	}
	defer sub.Unsubscribe()

	h.register(o)
	defer h.unregister(o)

	go h.writeLoop(ctx, o)
	go h.pingLoop(ctx, o)
	h.readLoop(ctx, o)
}

func (h *Hub) register(o *observer) {
	h.mu.Lock()
	h.observers[o] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()
	h.metrics.ObserverConnected()
	log.Info().Int("observers", n).Msg("observer connected")
}

func (h *Hub) unregister(o *observer) {
	h.mu.Lock()
	delete(h.observers, o)
	n := len(h.observers)
	h.mu.Unlock()
	h.metrics.ObserverDisconnected()
	log.Info().Int("observers", n).Msg("observer disconnected")
}

func (h *Hub) writeLoop(ctx context.Context, o *observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-o.out:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := o.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("observer write failed")
				o.close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, o *observer) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

type controlMessage struct {
	Type interceptor.Kind `json:"type"`
}

func (h *Hub) readLoop(ctx context.Context, o *observer) {
	for {
		msgType, msg, err := o.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusGoingAway, websocket.StatusNormalClosure, websocket.StatusNoStatusRcvd:
				log.Debug().Msg("observer closed")
			default:
				log.Debug().Err(err).Msg("observer read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var ctl controlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed observer message")
			continue
		}
		switch ctl.Type {
		case interceptor.KindClearAll:
			if _, err := h.ClearAll(ctx); err != nil {
				log.Warn().Err(err).Msg("clear_all failed")
			}
		default:
			log.Debug().Str("type", string(ctl.Type)).Msg("ignoring observer message")
		}
	}
}
