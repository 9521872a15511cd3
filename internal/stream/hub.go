package stream

import (
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sigmapilot/sigmapilot/internal/logger"
)

// Event is one ring-buffer entry fanned out to WebSocket subscribers.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ringBuffer is a bounded buffer of the last N events, the "source of
// truth for WebSocket subscribers" (spec.md §4.2).
type ringBuffer struct {
	mu      sync.Mutex
	events  []Event
	cap     int
	nextSeq uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 5000
	}
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) push(eventType string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("stream: marshal event %s failed: %v", eventType, err)
		data = json.RawMessage("null")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	e := Event{Seq: r.nextSeq, Type: eventType, Payload: data}
	r.events = append(r.events, e)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
	return e
}

// since returns every buffered event with Seq > lastSeq, capped at limit,
// plus the hub's current latest sequence.
func (r *ringBuffer) since(lastSeq uint64, limit int) ([]Event, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Seq > lastSeq {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, r.nextSeq
}

// Hub is the WebSocket fan-out endpoint of spec.md §6: connect, receive a
// hello with latestSeq+prices, optionally request replay, then stream
// batched events plus a price frame whenever the cached prices change, and
// heartbeat pings.
type Hub struct {
	buffer        *ringBuffer
	batchSize     int
	heartbeat     time.Duration
	upgrader      websocket.Upgrader
	pricesMu      sync.RWMutex
	latestPrices  map[string]float64
}

func NewHub(bufferSize, batchSize int, heartbeat time.Duration) *Hub {
	return &Hub{
		buffer:       newRingBuffer(bufferSize),
		batchSize:    batchSize,
		heartbeat:    heartbeat,
		latestPrices: make(map[string]float64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish records a fill/price/other event and returns its assigned seq.
func (h *Hub) Publish(eventType string, payload any) Event {
	return h.buffer.push(eventType, payload)
}

// SetPrice updates the cached last-known mid price for asset, shown in the
// hello frame and pushed to clients on change.
func (h *Hub) SetPrice(asset string, price float64) {
	h.pricesMu.Lock()
	defer h.pricesMu.Unlock()
	h.latestPrices[asset] = price
}

func (h *Hub) prices() map[string]float64 {
	h.pricesMu.RLock()
	defer h.pricesMu.RUnlock()
	out := make(map[string]float64, len(h.latestPrices))
	for k, v := range h.latestPrices {
		out[k] = v
	}
	return out
}

type helloFrame struct {
	Type      string             `json:"type"`
	LatestSeq uint64             `json:"latestSeq"`
	Prices    map[string]float64 `json:"prices"`
}

type replayRequest struct {
	Since uint64 `json:"since"`
}

type eventsFrame struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
}

type priceFrame struct {
	Type string  `json:"type"`
	BTC  float64 `json:"btc"`
	ETH  float64 `json:"eth"`
}

const maxReplayEvents = 500

// ServeWS upgrades the connection and runs the per-client read+write loop
// until the client disconnects or the heartbeat ping goes unanswered.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("stream: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	_, latest := h.buffer.since(0, 0)
	sentPrices := h.prices()
	if err := conn.WriteJSON(helloFrame{Type: "hello", LatestSeq: latest, Prices: sentPrices}); err != nil {
		return
	}

	lastSeq := latest
	requests := make(chan uint64, 1)
	done := make(chan struct{})
	go h.readLoop(conn, requests, done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case <-done:
			return
		case since := <-requests:
			events, _ := h.buffer.since(since, maxReplayEvents)
			if len(events) > 0 {
				_ = conn.WriteJSON(eventsFrame{Type: "events", Events: events})
				lastSeq = events[len(events)-1].Seq
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pollTicker.C:
			if p := h.prices(); !maps.Equal(p, sentPrices) {
				if err := conn.WriteJSON(priceFrame{Type: "price", BTC: p["BTC"], ETH: p["ETH"]}); err != nil {
					return
				}
				sentPrices = p
			}
			events, _ := h.buffer.since(lastSeq, h.batchSize)
			if len(events) == 0 {
				continue
			}
			if err := conn.WriteJSON(eventsFrame{Type: "events", Events: events}); err != nil {
				return
			}
			lastSeq = events[len(events)-1].Seq
		}
	}
}

// readLoop handles inbound {since:...} replay requests and dead-connection
// detection; it closes done when the client disconnects or when neither a
// pong nor a message arrives within two heartbeat intervals.
func (h *Hub) readLoop(conn *websocket.Conn, requests chan<- uint64, done chan<- struct{}) {
	defer close(done)
	deadline := 2 * h.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(deadline)) })
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		var req replayRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		select {
		case requests <- req.Since:
		default:
		}
	}
}
