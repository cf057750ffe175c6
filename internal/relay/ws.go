package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"agentrelay/internal/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

// handleWebSocket upgrades an HTTP connection to WebSocket. The socket
// carries the same frame vocabulary as the NDJSON stream, tagged by chatId,
// and accepts chat.send, permission.resolve, and chat.replay messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf(s.baseCtx, err, "websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf(c.ctx, "websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// removeClient cleans up a disconnected client and abandons its in-flight
// turns. The send channel is never closed: turn goroutines may still hold
// it, and their emits bail out on the canceled context instead.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.cancel()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeChatSend:
		var p protocol.ChatRequest
		json.Unmarshal(msg.Payload, &p)
		go s.runWSChat(c, &p)

	case protocol.TypePermissionResolve:
		var p protocol.PermissionResolvePayload
		json.Unmarshal(msg.Payload, &p)
		if !s.resolvePermission(&p) {
			s.sendError(c, protocol.ErrPermissionNotFound, "no pending permission request: "+p.RequestID)
		}

	case protocol.TypeChatReplay:
		var p protocol.ChatReplayPayload
		json.Unmarshal(msg.Payload, &p)
		for _, ev := range s.ring.Recent(p.ChatID) {
			c.enqueue(ev)
		}
	}
}

// runWSChat drives one turn for a WebSocket client. Frames block on the send
// buffer rather than dropping so ordering survives; a closed connection
// cancels the turn.
func (s *Server) runWSChat(c *client, req *protocol.ChatRequest) {
	emit := func(ev *protocol.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		select {
		case c.send <- data:
			return nil
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}

	s.runTurn(c.ctx, req, emit)
}

// enqueue sends a frame to the client, dropping it if the buffer is full.
// Used for replay and error frames where losing one is acceptable.
func (c *client) enqueue(ev *protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (s *Server) sendError(c *client, code, message string) {
	ev, err := protocol.NewErrorEvent(code, message)
	if err != nil {
		return
	}
	c.enqueue(ev)
}
