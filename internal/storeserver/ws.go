package storeserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"fleetd/internal/objects"
	"fleetd/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var newline = []byte("\n")

// watch streams every change of a kind. Plain requests get newline
// delimited JSON, websocket upgrades get one message per object. Both
// variants open with a snapshot of the current objects so clients do not
// need a separate list call.
func (h *handler) watch(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		h.watchSocket(w, r, info)
		return
	}
	h.watchStream(w, r, info)
}

func (h *handler) snapshot(info objects.KindInfo) ([][]byte, error) {
	recs, err := h.db.ListObjects(info.Kind, url.Values{})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		obj, err := combineRecord(info, rec)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (h *handler) watchStream(w http.ResponseWriter, r *http.Request, info objects.KindInfo) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		SendDetail(w, http.StatusInternalServerError, "Streaming is not supported on this connection")
		return
	}

	// Subscribe before the snapshot so no change falls between the two.
	// Clients reapply objects by name, so replays are harmless.
	sub := h.hub.Subscribe(info.Kind, publisherID(r))
	defer sub.Close()

	snap, err := h.snapshot(info)
	if err != nil {
		SendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, data := range snap {
		if err := writeLine(w, data); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, open := <-sub.C:
			if !open {
				// Evicted as a slow consumer. Ending the response makes
				// the client reconnect and resync from a fresh snapshot.
				return
			}
			if err := writeLine(w, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeLine(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(newline)
	return err
}

func (h *handler) watchSocket(w http.ResponseWriter, r *http.Request, info objects.KindInfo) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(info.Kind, publisherID(r))
	defer sub.Close()

	snap, err := h.snapshot(info)
	if err != nil {
		logger.Error().Err(err).
			Str("kind", string(info.Kind)).
			Msg("Failed to read snapshot for watch")
		return
	}
	for _, data := range snap {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// The read side only serves to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, open := <-sub.C:
			if !open {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "watch lagged"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
