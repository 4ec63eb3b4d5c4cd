package xenstored

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		PingTimeout:  1 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

// WsTransport frames protocol messages over a websocket, one message per
// binary frame. An empty frame is a keepalive ping; a background pinger
// sends one whenever the write side goes idle, and the read side drops
// them.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	// gorilla allows one concurrent writer, the pinger shares with
	// WriteMessage
	writeMutex sync.Mutex
	// last write time, under writeMutex
	lastWriteTime time.Time
}

func NewWsTransportWithDefaults(ctx context.Context, ws *websocket.Conn) *WsTransport {
	return NewWsTransport(ctx, ws, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:           cancelCtx,
		cancel:        cancel,
		ws:            ws,
		settings:      settings,
		lastWriteTime: time.Now(),
	}
	go transport.ping()
	return transport
}

func (self *WsTransport) ping() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}

		self.writeMutex.Lock()
		if self.settings.PingTimeout <= time.Since(self.lastWriteTime) {
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				// a websocket deadline timeout cannot be recovered
				self.writeMutex.Unlock()
				return
			}
			self.lastWriteTime = time.Now()
		}
		self.writeMutex.Unlock()
	}
}

func (self *WsTransport) ReadMessage() (*Message, error) {
	for {
		select {
		case <-self.ctx.Done():
			return nil, context.Canceled
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(frame) == 0 {
				// ping
				glog.V(2).Infof("[wst]ping<-\n")
				continue
			}
			header, err := ParseHeader(frame)
			if err != nil {
				return nil, err
			}
			if MaxPayload < header.Len {
				// hand back the header so the caller can still mirror
				// the request id into an error reply
				return &Message{Header: *header}, Errorf(E2BIG, "message of %d bytes", header.Len)
			}
			if int(header.Len) != len(frame)-HeaderSize {
				return nil, Errorf(EINVAL, "frame length mismatch")
			}
			return &Message{
				Header:  *header,
				Payload: frame[HeaderSize:],
			}, nil
		default:
			glog.V(2).Infof("[wst]other=%d<-\n", messageType)
		}
	}
}

func (self *WsTransport) WriteMessage(message *Message) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, message.Bytes()); err != nil {
		return err
	}
	self.lastWriteTime = time.Now()
	return nil
}

func (self *WsTransport) Close() error {
	self.cancel()
	return self.ws.Close()
}

// DialWs connects a client websocket and authenticates it with a domain
// token. The server echoes the token back to complete the handshake.
func DialWs(ctx context.Context, url string, jwt string, settings *WsTransportSettings) (*WsTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WriteTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes := []byte(jwt)
	ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	messageType, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage || !bytes.Equal(authBytes, frame) {
		return nil, Errorf(EACCES, "auth response error")
	}

	success = true
	return NewWsTransport(ctx, ws, settings), nil
}
