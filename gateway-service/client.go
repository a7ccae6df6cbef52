package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/example/blog-chat/pkg/otelhelper"
)

const (
	joinDeadline      = 10 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	heartbeatInterval = 20 * time.Second
	maxFrameSize      = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is what the browser sends over the socket.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsClient is one authenticated websocket connection.
type wsClient struct {
	conn   *websocket.Conn
	nc     *nats.Conn
	userId string
	connId string
	send   chan []byte
	done   chan struct{}
}

// serveWS upgrades the connection, authenticates the join handshake, then
// runs the read and write pumps until either side goes away.
func serveWS(nc *nats.Conn, validator *TokenValidator, h *hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// The first frame must be a join carrying the token.
	conn.SetReadDeadline(time.Now().Add(joinDeadline))
	var frame clientFrame
	if err := conn.ReadJSON(&frame); err != nil || frame.Event != "join" {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected join"))
		conn.Close()
		return
	}

	var join struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame.Data, &join); err != nil || join.Token == "" {
		join.Token = r.URL.Query().Get("token")
	}
	claims, err := validator.Validate(join.Token)
	if err != nil {
		slog.Info("Rejected websocket join", "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		conn.Close()
		return
	}

	c := &wsClient{
		conn:   conn,
		nc:     nc,
		userId: claims.UserId,
		connId: uuid.NewString(),
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	slog.Info("WebSocket client joined", "user", c.userId, "connId", c.connId)

	// Subscribe to this connection's delivery subject before announcing the
	// connection, so nothing slips between connect and the first delivery.
	sub, err := nc.Subscribe("deliver."+c.userId+"."+c.connId, func(msg *nats.Msg) {
		select {
		case c.send <- msg.Data:
		default:
			slog.Warn("Dropping delivery, slow websocket client", "user", c.userId, "connId", c.connId)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to delivery subject", "error", err)
		conn.Close()
		return
	}

	h.add(c)
	c.publishPresence("presence.connect")

	ack, _ := json.Marshal(map[string]any{
		"event": "joined",
		"data":  map[string]string{"userId": c.userId, "connId": c.connId},
	})
	c.send <- ack

	go c.writePump()
	go c.heartbeatLoop()
	c.readPump()

	// readPump returned: the socket is gone.
	close(c.done)
	h.remove(c)
	sub.Unsubscribe()
	c.publishPresence("presence.disconnect")
	slog.Info("WebSocket client left", "user", c.userId, "connId", c.connId)
}

func (c *wsClient) publishPresence(subject string) {
	data, _ := json.Marshal(map[string]string{"userId": c.userId, "connId": c.connId})
	if err := c.nc.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish presence", "subject", subject, "error", err)
	}
}

// heartbeatLoop keeps the PRESENCE_CONN KV entry alive while the socket is
// open.
func (c *wsClient) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.publishPresence("presence.heartbeat")
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read error", "user", c.userId, "error", err)
			}
			return
		}

		switch frame.Event {
		case "typing", "stop_typing":
			c.relayTyping(frame)
		default:
			slog.Debug("Ignoring unknown client event", "event", frame.Event, "user", c.userId)
		}
	}
}

// relayTyping forwards a typing indicator to the recipient's live handles.
// Indicators are ephemeral: nobody online means nothing to do.
func (c *wsClient) relayTyping(frame clientFrame) {
	var data struct {
		RecipientId    string `json:"recipientId"`
		ConversationId string `json:"conversationId"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.RecipientId == "" {
		return
	}

	event := "user_typing"
	if frame.Event == "stop_typing" {
		event = "user_stop_typing"
	}

	resp, err := otelhelper.TracedRequest(context.Background(), c.nc, "presence.handles."+data.RecipientId, nil)
	if err != nil {
		return
	}
	var handles []string
	if json.Unmarshal(resp.Data, &handles) != nil || len(handles) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"event": event,
		"data": map[string]string{
			"userId":         c.userId,
			"conversationId": data.ConversationId,
		},
	})
	for _, connId := range handles {
		c.nc.Publish("deliver."+data.RecipientId+"."+connId, payload)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
