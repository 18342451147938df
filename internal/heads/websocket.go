package heads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameSize     = 1 << 20

	subscribeID = 1
)

// errStreamClosed means the node closed the connection cleanly.
var errStreamClosed = errors.New("connection closed by node")

// rpcMessage is any JSON-RPC frame a node sends over the socket: a reply
// carries ID, a push carries Method and Params.
type rpcMessage struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// headStream is one confirmed newHeads subscription on its own connection.
// next must be called from a single goroutine; keepAlive and Close may run
// concurrently with it.
type headStream struct {
	conn *websocket.Conn
	id   string
}

// dialHeads connects and subscribes. It returns only after the node has
// confirmed the subscription, so a stream always has an id.
func dialHeads(ctx context.Context, url string) (*headStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	// Unblock the handshake read if ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	id, err := subscribe(conn)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info().Str("url", url).Str("subscription_id", id).Msg("Subscribed to new heads")
	return &headStream{conn: conn, id: id}, nil
}

func subscribe(conn *websocket.Conn) (string, error) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      subscribeID,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	})
	if err != nil {
		return "", fmt.Errorf("writing subscribe request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("waiting for subscription: %w", err)
		}
		if msg.ID == nil || *msg.ID != subscribeID {
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("eth_subscribe: %w", msg.Error)
		}

		var id string
		if err := json.Unmarshal(msg.Result, &id); err != nil || id == "" {
			return "", fmt.Errorf("eth_subscribe returned no subscription id: %s", msg.Result)
		}
		return id, nil
	}
}

// next blocks until the node pushes a notification for this subscription
// and returns its params.
func (s *headStream) next() (json.RawMessage, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, errStreamClosed
			}
			return nil, fmt.Errorf("reading frame: %w", err)
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed frame")
			continue
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("node error: %w", msg.Error)
		}
		if msg.Method != "eth_subscription" {
			continue
		}

		var push struct {
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(msg.Params, &push); err != nil || push.Subscription != s.id {
			continue
		}
		return msg.Params, nil
	}
}

// keepAlive pings the node until ctx ends. A failed ping closes the
// connection, which makes next return.
func (s *headStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Msg("Ping failed, dropping connection")
				s.conn.Close()
				return
			}
		}
	}
}

func (s *headStream) Close() error {
	return s.conn.Close()
}
