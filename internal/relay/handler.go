package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tickrelay/internal/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const firstMessageWait = 30 * time.Second

// HandleWS serves /ws/market. It authenticates the session credential from
// the query string, waits for the client's first instrument list, then hands
// the socket to the client pumps. Every rejection path writes a typed error
// message before closing.
func (s *Supervisor) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	credential := r.URL.Query().Get("token")
	if credential == "" {
		rejectWS(conn, ReasonMissingToken)
		return
	}

	creds, err := s.tokens.Resolve(r.Context(), credential)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			rejectWS(conn, ReasonTokenExpired)
		default:
			rejectWS(conn, ReasonInvalidToken)
		}
		return
	}

	conn.SetReadDeadline(time.Now().Add(firstMessageWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var first subscribeMsg
	if err := json.Unmarshal(raw, &first); err != nil || len(first.Data.InstrumentKeys) == 0 {
		rejectWS(conn, ReasonNoInstruments)
		return
	}

	client := newClient(conn, creds.UserID, s, s.log)
	if err := s.subscribe(client, creds.UserID, first.Data.InstrumentKeys); err != nil {
		rejectWS(conn, reasonFor(err))
		return
	}
	if s.metrics != nil {
		s.metrics.ClientsConnected.Inc()
	}

	go client.writePump()
	client.Deliver(connectedMessage())
	go client.readPump()
}

func rejectWS(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	conn.WriteMessage(websocket.TextMessage, errorMessage(reason))
	conn.Close()
}

// HandleStats serves /market/connections with live fan-out counts.
func (s *Supervisor) HandleStats(w http.ResponseWriter, r *http.Request) {
	clients, instruments := s.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions":    s.SessionCount(),
		"clients":     clients,
		"instruments": instruments,
	})
}
