package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"coscribe/internal/identity"
	"coscribe/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. It starts unauthenticated; the first
// accepted frame must be an auth command carrying a credential, and until
// that succeeds every other command is silently dropped (routine during the
// handshake race, not an error).
type Client struct {
	id         string
	dispatcher *Dispatcher
	conn       *websocket.Conn
	send       chan []byte

	// Owned by the read pump; never touched concurrently.
	authed bool
	ident  identity.Identity
	pages  map[string]bool // page ids joined
	rooms  map[string]bool // room keys joined, workspace rooms included
}

// ServeWs upgrades the HTTP request and starts the connection's pumps.
func ServeWs(d *Dispatcher, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		dispatcher: d,
		conn:       conn,
		send:       make(chan []byte, 256),
		pages:      make(map[string]bool),
		rooms:      make(map[string]bool),
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) enqueue(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Sugar.Errorf("Failed to marshal event for client %s: %v", c.id, err)
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Sugar.Warnf("Client %s send buffer full, dropping connection", c.id)
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.dispatcher.disconnect(context.Background(), c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		cmd, err := decodeCommand(raw)
		if err != nil {
			logger.Sugar.Warnf("Malformed command from %s: %v", c.id, err)
			continue
		}

		if !c.authed {
			if cmd.Type != CmdAuth {
				continue
			}
			ident, err := c.dispatcher.verifier.Verify(cmd.Token)
			if err != nil {
				// Authentication failure terminates the connection with no
				// state created.
				logger.Sugar.Warnf("Authentication failed for connection %s", c.id)
				return
			}
			c.ident = ident
			c.authed = true
			continue
		}

		ctx := context.Background()
		switch cmd.Type {
		case CmdAuth:
			// Re-auth on a live connection is ignored.
		case CmdJoin:
			c.dispatcher.handleJoin(ctx, c, cmd)
		case CmdLeave:
			c.dispatcher.handleLeave(ctx, c, cmd)
		case CmdCursorUpdate:
			c.dispatcher.handleCursor(ctx, c, cmd)
		case CmdBlockCreate, CmdBlockUpdate, CmdBlockDelete:
			c.dispatcher.handleBlock(ctx, c, cmd)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
