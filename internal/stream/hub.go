package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/logger"
)

const broadcastBuffer = 256

var ErrHubStopped = errors.New("verdict hub stopped")

// VerdictMessage is the frame pushed to subscribers after each gate decision.
type VerdictMessage struct {
	Type string        `json:"type"`
	Data model.Verdict `json:"data"`
}

type outbound struct {
	userID  string
	payload []byte
}

// Hub fans verdicts out to websocket subscribers. A subscriber only receives
// verdicts for its own user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	dropped atomic.Int64
	log     *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.Component("verdict_hub"),
	}
}

// Run 主循环, 直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("subscriber connected", "user_id", c.userID, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("subscriber disconnected", "user_id", c.userID, "clients", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				if c.userID == msg.userID {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, c := range targets {
				select {
				case c.send <- msg.payload:
				default:
					slow = append(slow, c)
				}
			}
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
				h.log.Warn("dropped slow subscribers", "count", len(slow))
			}
		}
	}
}

// join 在 Run 退出后返回 false, 不再阻塞
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// PublishVerdict never blocks the gate; a full queue drops the message.
func (h *Hub) PublishVerdict(v model.Verdict) {
	payload, err := json.Marshal(VerdictMessage{Type: "verdict", Data: v})
	if err != nil {
		h.log.Error("marshal verdict failed", "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{userID: v.UserID, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
