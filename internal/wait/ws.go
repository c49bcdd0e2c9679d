package wait

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/realplexor/internal/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024
)

// WebSocket subprotocols.
const (
	SubprotocolJSON     = "json.realplexor.v1"
	SubprotocolProtobuf = "protobuf.realplexor.v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient streams parts of one listener over a WebSocket.
type wsClient struct {
	server   *Server
	conn     *websocket.Conn
	listener *listener
	protocol string
	logger   *zap.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Negotiate subprotocol in client preference order; JSON when the
	// client asks for none of ours.
	protocol := SubprotocolJSON
	var responseHeader http.Header
	for _, proto := range websocket.Subprotocols(r) {
		if proto == SubprotocolJSON || proto == SubprotocolProtobuf {
			protocol = proto
			responseHeader = http.Header{}
			responseHeader.Set("Sec-WebSocket-Protocol", proto)
			break
		}
	}

	l, ok := s.attach(w, r, false)
	if !ok {
		return
	}
	defer s.hub.Unregister(l)

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	s.logger.Debug("websocket subprotocol negotiated",
		zap.String("connID", l.connID),
		zap.String("protocol", protocol),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	c := &wsClient{
		server:   s,
		conn:     conn,
		listener: l,
		protocol: protocol,
		logger:   s.logger.With(zap.String("connID", l.connID)),
	}

	closed := make(chan struct{})
	go c.readPump(closed)
	c.writePump(r, closed)
}

// readPump discards peer messages and notices the close.
func (c *wsClient) readPump(closed chan<- struct{}) {
	defer close(closed)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes parts and pings until the peer, the hub or the
// server ends the connection.
func (c *wsClient) writePump(r *http.Request, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case parts := <-c.listener.send:
			msgType, message, err := c.encode(parts)
			if err != nil {
				c.logger.Error("failed to encode parts", zap.Error(err))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.listener.dropped:
			c.logger.Debug("websocket listener dropped, buffer full")
			c.closeWith(websocket.CloseTryAgainLater, "too slow")
			return

		case <-r.Context().Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return

		case <-closed:
			return
		}
	}
}

func (c *wsClient) encode(parts []storage.Part) (int, []byte, error) {
	if c.protocol == SubprotocolProtobuf {
		return websocket.BinaryMessage, c.server.encoder.EncodeProto(parts), nil
	}
	body, err := EncodeJSON(parts)
	return websocket.TextMessage, body, err
}

func (c *wsClient) closeWith(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
