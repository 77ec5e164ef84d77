package controlplane

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fentz26/simqueue/internal/broadcast"
	"github.com/fentz26/simqueue/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client -> server message types.
const (
	msgSubscribe   = "subscribe_negotiation"
	msgUnsubscribe = "unsubscribe_negotiation"
)

// clientMessage is a control frame sent by a websocket client.
type clientMessage struct {
	Type          string `json:"type"`
	NegotiationID string `json:"negotiationId"`
}

// ackMessage confirms a subscription change.
type ackMessage struct {
	Type          string `json:"type"`
	NegotiationID string `json:"negotiationId"`
}

// wsConn tracks the subscriptions of one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	out  chan interface{}
	done chan struct{}
	// writerDone is closed when writePump exits.
	writerDone chan struct{}

	mu   sync.Mutex
	subs map[string]*broadcast.Subscription
	wg   sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := newWSConn(conn)

	// ?negotiationId= subscribes on connect.
	if id := r.URL.Query().Get("negotiationId"); id != "" {
		s.subscribe(c, id)
	}

	go s.writePump(c)
	s.readPump(c)

	close(c.done)
	c.mu.Lock()
	for id, sub := range c.subs {
		sub.Close()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
	conn.Close()
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:       conn,
		out:        make(chan interface{}, broadcast.DefaultBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		subs:       make(map[string]*broadcast.Subscription),
	}
}

// readPump handles subscription control frames until the client disconnects.
func (s *Server) readPump(c *wsConn) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}

		if msg.NegotiationID == "" {
			continue
		}
		switch msg.Type {
		case msgSubscribe:
			s.subscribe(c, msg.NegotiationID)
		case msgUnsubscribe:
			c.mu.Lock()
			if sub, ok := c.subs[msg.NegotiationID]; ok {
				sub.Close()
				delete(c.subs, msg.NegotiationID)
			}
			c.mu.Unlock()
			c.send(ackMessage{Type: "unsubscribed", NegotiationID: msg.NegotiationID})
		default:
			s.logger.Debug("unknown websocket message", "type", msg.Type)
		}
	}
}

func (s *Server) subscribe(c *wsConn, negotiationID string) {
	c.mu.Lock()
	if _, ok := c.subs[negotiationID]; !ok {
		sub := s.service.Subscribe(negotiationID)
		c.subs[negotiationID] = sub
		c.wg.Add(1)
		go c.forward(sub)
	}
	c.mu.Unlock()
	c.send(ackMessage{Type: "subscribed", NegotiationID: negotiationID})
}

// forward copies hub events to the connection until the subscription closes.
func (c *wsConn) forward(sub *broadcast.Subscription) {
	defer c.wg.Done()
	for e := range sub.Events() {
		c.send(e)
	}
}

// send queues v for the writer. Events are dropped when the client is slow;
// nothing is queued once the connection or its writer is gone.
func (c *wsConn) send(v interface{}) {
	select {
	case <-c.done:
		return
	case <-c.writerDone:
		return
	default:
	}
	if _, ok := v.(models.Event); ok {
		select {
		case c.out <- v:
		default:
		}
		return
	}
	select {
	case c.out <- v:
	case <-c.done:
	case <-c.writerDone:
	}
}

// writePump is the only goroutine writing to the connection.
func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(c.writerDone)

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case v := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
