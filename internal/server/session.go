package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"token-voteboard/internal/domain"
	"token-voteboard/internal/merge"
	"token-voteboard/internal/observability"
)

// Websocket timing, matching the usual gorilla keepalive arrangement.
const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The board is a public, unauthenticated surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a connected viewer may send.
type clientMessage struct {
	Type    string `json:"type"`    // "search" | "vote"
	Term    string `json:"term"`    // search term
	Address string `json:"address"` // vote target
	Field   string `json:"field"`   // "likes" | "dislikes"
}

// handleWS runs one merge session per websocket connection: subscribe on
// connect, push the derived view on every change, release everything on
// disconnect or feed failure.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	observability.WSClientConnected()
	defer observability.WSClientDisconnected()

	// Coalescing change signal: the writer only ever needs to know that
	// the view is newer than what it last sent.
	changed := make(chan struct{}, 1)
	engine := merge.New(merge.Options{
		Fetcher: s.fetcher,
		Store:   s.store,
		Logger:  s.logger,
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})

	if err := engine.Start(r.Context()); err != nil {
		s.logger.Printf("websocket session start failed: %v", err)
		conn.Close()
		return
	}
	defer engine.Close()
	defer conn.Close()

	go s.readMessages(conn, engine)
	s.writeViews(conn, engine, changed)
}

// readMessages consumes viewer commands until the connection drops, then
// tears the session down so the writer unblocks.
func (s *Server) readMessages(conn *websocket.Conn, engine *merge.Engine) {
	defer engine.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("discarding malformed client message: %v", err)
			continue
		}

		switch msg.Type {
		case "search":
			engine.SetSearch(msg.Term)
		case "vote":
			if !validAddress(msg.Address) {
				s.logger.Printf("discarding vote for invalid address %q", msg.Address)
				continue
			}
			switch domain.VoteField(msg.Field) {
			case domain.VoteLikes:
				engine.Like(msg.Address)
			case domain.VoteDislikes:
				engine.Dislike(msg.Address)
			}
		}
	}
}

// writeViews pushes the current view on every change signal and pings on
// an interval. Returns when the session ends.
func (s *Server) writeViews(conn *websocket.Conn, engine *merge.Engine, changed <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-changed:
			view := toViewJSON(engine.Loading(), engine.Entries())
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(view); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-engine.Done():
			// Feed gone (failure or teardown). Closing the socket lets
			// the client reconnect into a fresh session.
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed ended"))
			return
		}
	}
}
