package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	replayLimit  = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Subscriptions are read-only fan-out; origin policy is enforced at
	// the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the wire form of one event.
type frame struct {
	Topic    string          `json:"topic"`
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// WSHandler serves websocket subscriptions with resume. Query parameters:
// topic (required), since_sequence (optional; journaled events after it are
// replayed before live delivery begins).
func WSHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if !Topics[topic] {
			http.Error(w, "unknown topic", http.StatusBadRequest)
			return
		}

		var since uint64
		if raw := r.URL.Query().Get("since_sequence"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid since_sequence", http.StatusBadRequest)
				return
			}
			since = parsed
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		go serveSubscription(hub, conn, topic, since)
	}
}

// serveSubscription replays the journal gap, then streams live events.
// Subscribing before replaying means no event can fall between the two
// phases; duplicates across the seam are filtered by sequence.
func serveSubscription(hub *Hub, conn *websocket.Conn, topic string, since uint64) {
	sub := hub.Subscribe(topic, 0)
	defer func() {
		hub.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader discards client frames but notices disconnects and pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSent := since
	if since > 0 {
		entries, err := hub.Replay(context.Background(), topic, since, replayLimit)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("resume replay failed")
			return
		}
		for _, e := range entries {
			if err := writeFrame(conn, frame{Topic: topic, Sequence: e.Sequence, Payload: e.Payload, At: e.At}); err != nil {
				return
			}
			lastSent = e.Sequence
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Evicted for falling behind.
				return
			}
			if ev.Sequence <= lastSent {
				continue
			}
			if err := writeFrame(conn, frame{Topic: ev.Topic, Sequence: ev.Sequence, Payload: ev.Payload, At: ev.At}); err != nil {
				return
			}
			lastSent = ev.Sequence
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}
