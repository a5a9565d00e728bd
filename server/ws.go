package server

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatd/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are native applications, not browsers; origin checks do
	// not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests to the websocket transport used by
// the typed codec. The duplex stream carries request and response
// frames interleaved with live updates.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		s.handleWebsocket(ws, r.RemoteAddr)
	})
}

func (s *Server) handleWebsocket(ws *websocket.Conn, remoteAddr string) {
	log.Printf("New websocket client connected from %s", remoteAddr)

	c := newConn(remoteAddr, func(frame string) error {
		ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, []byte(frame))
	}, ws.Close, protocol.TypedCodec{})

	s.track(c)
	go c.writePump()
	defer func() {
		c.Close()
		s.untrack(c)
	}()

	sessionUser := ""
	for {
		ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Websocket read error from %s: %v", remoteAddr, err)
			}
			break
		}

		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		sessionUser = s.handleFrame(c, line, sessionUser)
	}

	if sessionUser != "" {
		s.registry.Unregister(sessionUser, c)
		log.Printf("Websocket client %s disconnected from %s", sessionUser, remoteAddr)
	} else {
		log.Printf("Websocket client disconnected from %s", remoteAddr)
	}
}
