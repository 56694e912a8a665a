// Package broker provides a loopback fan-out hub for the realtime engine.
// It is not a production server: fan-out and authorization stay out of
// scope. It exists so the demo CLI and integration tests can exercise the
// engine end-to-end against a real websocket endpoint.
//
// Frames read from clients travel through an in-memory watermill bus before
// being routed, keeping the socket pumps decoupled from routing.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vitaglow/realtime/protocol"
)

const (
	topicFrames = "realtime.frames"

	metaClientID = "client_id"
)

// client is one connected websocket peer.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	userID string
	roomID string
}

// Broker accepts websocket connections and relays envelopes between them:
// chat envelopes to peers in the same room, presence envelopes to everyone
// else.
type Broker struct {
	logger *slog.Logger

	pub wmmessage.Publisher
	sub wmmessage.Subscriber

	mu      sync.RWMutex
	clients map[string]*client

	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once

	echo *echo.Echo
}

// New creates a broker with an in-memory watermill bus.
func New() *Broker {
	goChannel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))

	return &Broker{
		logger:     slog.Default().With("component", "broker"),
		pub:        goChannel,
		sub:        goChannel,
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run processes client lifecycle and routes frames. It must be run in its
// own goroutine and returns when Shutdown is called.
func (b *Broker) Run() {
	frames, err := b.sub.Subscribe(context.Background(), topicFrames)
	if err != nil {
		b.logger.Error("failed to subscribe to frame bus", "error", err)
		return
	}

	b.logger.Info("broker runner started")
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c.id] = c
			b.mu.Unlock()
			b.logger.Info("client registered", "client_id", c.id)

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c.id]; ok {
				delete(b.clients, c.id)
				close(c.send)
			}
			b.mu.Unlock()
			b.logger.Info("client unregistered", "client_id", c.id, "user_id", c.userID)

		case wm, ok := <-frames:
			if !ok {
				return
			}
			b.route(wm)
			wm.Ack()

		case <-b.done:
			return
		}
	}
}

// route relays one inbound frame to the peers that should see it.
func (b *Broker) route(wm *wmmessage.Message) {
	clientID := wm.Metadata.Get(metaClientID)

	env, err := protocol.Decode(wm.Payload)
	if err != nil {
		b.logger.Warn("dropping unroutable frame", "client_id", clientID, "error", err)
		return
	}

	b.mu.Lock()
	sender, ok := b.clients[clientID]
	if !ok {
		b.mu.Unlock()
		return
	}

	switch env.Type {
	case protocol.TypeJoin, protocol.TypeLeave:
		var p protocol.RoomEventPayload
		if jsonErr := json.Unmarshal(env.Data, &p); jsonErr != nil {
			b.mu.Unlock()
			b.logger.Warn("dropping malformed room event", "error", jsonErr)
			return
		}
		sender.userID = p.UserID
		if env.Type == protocol.TypeJoin {
			sender.roomID = p.RoomID
		}
		targets := b.roomPeersLocked(p.RoomID, sender)
		if env.Type == protocol.TypeLeave {
			sender.roomID = ""
		}
		b.mu.Unlock()
		b.deliver(targets, wm.Payload)

	case protocol.TypeMessage, protocol.TypeTyping, protocol.TypeReadReceipt, protocol.TypeDelivered:
		targets := b.roomPeersLocked(sender.roomID, sender)
		b.mu.Unlock()
		b.deliver(targets, wm.Payload)

	case protocol.TypePresence:
		targets := make([]*client, 0, len(b.clients))
		for _, c := range b.clients {
			if c != sender {
				targets = append(targets, c)
			}
		}
		b.mu.Unlock()
		b.deliver(targets, wm.Payload)

	default:
		b.mu.Unlock()
		b.logger.Warn("unknown envelope type", "type", env.Type)
	}
}

// roomPeersLocked returns every client in the room except the sender.
// Caller holds b.mu.
func (b *Broker) roomPeersLocked(roomID string, sender *client) []*client {
	if roomID == "" {
		return nil
	}
	var peers []*client
	for _, c := range b.clients {
		if c != sender && c.roomID == roomID {
			peers = append(peers, c)
		}
	}
	return peers
}

func (b *Broker) deliver(targets []*client, payload []byte) {
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			b.logger.Warn("client send buffer full, dropping frame", "client_id", c.id)
		}
	}
}

// Handler returns the echo handler that upgrades requests to websocket
// connections and starts the client pumps.
func (b *Broker) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true, // Loopback use only; check origin before exposing.
		})
		if err != nil {
			b.logger.Error("websocket upgrade failed", "error", err)
			return err
		}

		cl := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
		}
		b.register <- cl

		go b.writePump(cl)
		go b.readPump(cl)
		return nil
	}
}

// readPump publishes inbound frames onto the watermill bus until the client
// disconnects.
func (b *Broker) readPump(c *client) {
	defer func() {
		b.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	for {
		_, payload, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				b.logger.Debug("client read ended", "client_id", c.id, "error", err)
			}
			return
		}

		wm := wmmessage.NewMessage(watermill.NewUUID(), payload)
		wm.Metadata.Set(metaClientID, c.id)
		if err := b.pub.Publish(topicFrames, wm); err != nil {
			b.logger.Error("failed to publish frame", "client_id", c.id, "error", err)
		}
	}
}

// writePump drains the client's send channel onto the socket.
func (b *Broker) writePump(c *client) {
	defer c.conn.Close(websocket.StatusNormalClosure, "server-side cleanup")

	for payload := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			b.logger.Debug("client write ended", "client_id", c.id, "error", err)
			return
		}
	}
}

// Start runs the broker's HTTP server on addr, blocking until it stops.
func (b *Broker) Start(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", b.Handler())
	b.echo = e

	go b.Run()

	err := e.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the runner, the bus and the HTTP server.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.done) })
	if err := b.sub.Close(); err != nil {
		b.logger.Warn("bus close failed", "error", err)
	}
	if b.echo != nil {
		return b.echo.Shutdown(ctx)
	}
	return nil
}
