package lavapool

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const supportedAPIVersion = 3

// Socket is the websocket transport to one node. Writes are funneled through
// a single goroutine; reads run in their own loop and surface frames and the
// eventual close through callbacks. Reconnect/heartbeat policy lives here,
// not in the layers above.
type Socket struct {
	cfg                *NodeConfig
	connectionAttempts int
	reconnectInterval  time.Duration
	dialer             *websocket.Dialer
	conn               *websocket.Conn
	connected          bool
	sendChan           chan wsData
	done               chan struct{}

	// DataReceived is invoked for every inbound text frame.
	DataReceived func([]byte)
	// OnOpen is invoked once the connection is established.
	OnOpen func()
	// OnClose is invoked once when the connection is lost or closed; err is
	// nil on a locally requested close.
	OnClose func(err error)

	mu sync.RWMutex
}

type wsData struct {
	data    []byte
	errChan chan error
}

func NewSocket(cfg *NodeConfig) *Socket {
	return &Socket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			ReadBufferSize:   cfg.BufferSize,
			WriteBufferSize:  cfg.BufferSize,
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		sendChan:     make(chan wsData),
		DataReceived: func([]byte) {},
		OnOpen:       func() {},
		OnClose:      func(error) {},
	}
}

// Connect dials the node, retrying up to the configured attempt count with a
// linearly growing delay.
func (s *Socket) Connect(headers http.Header) error {
	s.mu.RLock()
	already := s.conn != nil
	s.mu.RUnlock()
	if already {
		return fmt.Errorf("websocket is already in open state")
	}
	conn, res, err := s.dialer.Dial(s.cfg.socketEndpoint(), headers)
	if err != nil {
		if s.connectionAttempts < s.cfg.ReconnectAttempts {
			s.connectionAttempts++
			s.reconnectInterval += s.cfg.ReconnectDelay
			time.Sleep(s.reconnectInterval)
			return s.Connect(headers)
		}
		return err
	}
	ver, err := strconv.Atoi(res.Header.Get("Lavalink-Api-Version"))
	if err != nil || ver != supportedAPIVersion {
		conn.Close()
		return fmt.Errorf("node speaks unsupported api version %q", res.Header.Get("Lavalink-Api-Version"))
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.connectionAttempts = 0
	s.reconnectInterval = 0
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.OnOpen()
	go s.sendListener()
	go s.readListener()
	return nil
}

func (s *Socket) sendListener() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendChan:
			data.errChan <- s.conn.WriteMessage(websocket.TextMessage, data.data)
		}
	}
}

func (s *Socket) readListener() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasConnected := s.connected
			s.connected = false
			if wasConnected {
				close(s.done)
			}
			s.mu.Unlock()
			if wasConnected {
				s.OnClose(err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.DataReceived(data)
	}
}

// Send writes one raw frame, blocking until it is on the wire or failed.
func (s *Socket) Send(data []byte) error {
	s.mu.RLock()
	connected := s.connected
	done := s.done
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("can't send, no connection open")
	}
	if len(data) == 0 {
		return fmt.Errorf("can't send empty frame")
	}
	errChan := make(chan error, 1)
	select {
	case s.sendChan <- wsData{data, errChan}:
	case <-done:
		return fmt.Errorf("can't send, connection closed")
	}
	select {
	case err := <-errChan:
		return err
	case <-done:
		return fmt.Errorf("can't send, connection closed")
	}
}

// SendJSON marshals value and sends it as one frame.
func (s *Socket) SendJSON(value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Close tears the connection down locally. OnClose fires with a nil error.
func (s *Socket) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	conn := s.conn
	close(s.done)
	s.mu.Unlock()
	err := conn.Close()
	s.OnClose(nil)
	return err
}
