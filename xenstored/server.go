package xenstored

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	// buffered requests across all connections
	RequestBufferSize int
	// buffered outgoing messages per connection
	SendBufferSize int
	// handshake deadline for websocket connections
	AuthTimeout time.Duration
	// how often pending watch events are retried against send buffers
	// that were full at fire time
	EventFlushTimeout time.Duration
	// hmac secret for domain tokens. nil disables the websocket
	// listener.
	WsSecret []byte

	SystemSettings      *SystemSettings
	WsTransportSettings *WsTransportSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		RequestBufferSize:   32,
		SendBufferSize:      32,
		AuthTimeout:         2 * time.Second,
		EventFlushTimeout:   100 * time.Millisecond,
		SystemSettings:      DefaultSystemSettings(),
		WsTransportSettings: DefaultWsTransportSettings(),
	}
}

type serverEventKind int

const (
	serverEventRequest serverEventKind = iota
	serverEventConnect
	serverEventDisconnect
)

type serverEvent struct {
	kind    serverEventKind
	conn    *ServerConn
	message *Message
}

// Server owns the system state and all connections. One dispatch
// goroutine consumes every request in arrival order, so the store,
// transactions, and watches never see concurrent access; per-connection
// goroutines only move bytes.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	system   *System

	events chan *serverEvent

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context) *Server {
	return NewServer(ctx, DefaultServerSettings())
}

func NewServer(ctx context.Context, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		system:   NewSystem(settings.SystemSettings),
		events:   make(chan *serverEvent, settings.RequestBufferSize),
		upgrader: &websocket.Upgrader{},
	}
	go server.run()
	return server
}

func (self *Server) System() *System {
	return self.system
}

// run is the single dispatch loop. Nothing in here may block on a
// peer: all outbound sends are non-blocking, and watch events a send
// buffer cannot take stay in the watch manager where overflow
// coalescing bounds them.
func (self *Server) run() {
	connections := map[Id]*ServerConn{}

	flush := time.NewTicker(self.settings.EventFlushTimeout)
	defer flush.Stop()

	for {
		select {
		case <-self.ctx.Done():
			for _, conn := range connections {
				conn.close()
			}
			return
		case <-flush.C:
			self.flushEvents(connections)
		case event := <-self.events:
			switch event.kind {
			case serverEventConnect:
				connections[event.conn.connId] = event.conn
				glog.Infof("[s]connect %s dom%d\n", event.conn.connId, event.conn.domainId)
			case serverEventDisconnect:
				if _, ok := connections[event.conn.connId]; !ok {
					continue
				}
				delete(connections, event.conn.connId)
				self.system.Disconnect(event.conn.connId)
				event.conn.close()
				glog.Infof("[s]disconnect %s dom%d\n", event.conn.connId, event.conn.domainId)
			case serverEventRequest:
				conn := event.conn
				if _, ok := connections[conn.connId]; !ok {
					continue
				}
				reply := HandleRequest(self.system, conn.connId, conn.domainId, event.message)
				if !conn.offer(reply) {
					// a peer that stopped reading loses its own
					// replies, never anyone else's time
					glog.Infof("[sw]drop %s->\n", conn.connId)
				}
				// a request can fire watches on any connection
				self.flushEvents(connections)
			}
		}
	}
}

// flushEvents moves pending watch events into send queues, taking only
// what each queue accepts without blocking. The rest stays queued in
// the watch manager for the next flush.
func (self *Server) flushEvents(connections map[Id]*ServerConn) {
	watches := self.system.Watches()
	for _, conn := range connections {
		for {
			event, ok := watches.PeekEvent(conn.connId)
			if !ok {
				break
			}
			if !conn.offer(EventMessage(event)) {
				break
			}
			watches.PopEvent(conn.connId)
		}
	}
}

// AddConn attaches a transport as a connection with the given identity.
// Local socket connections are dom0; remote ones authenticate first.
func (self *Server) AddConn(transport MessageTransport, domainId DomainId) *ServerConn {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	conn := &ServerConn{
		ctx:       cancelCtx,
		cancel:    cancel,
		server:    self,
		connId:    NewId(),
		domainId:  domainId,
		transport: transport,
		send:      make(chan *Message, self.settings.SendBufferSize),
	}
	self.post(&serverEvent{kind: serverEventConnect, conn: conn})
	go conn.reader()
	go conn.writer()
	return conn
}

func (self *Server) post(event *serverEvent) {
	select {
	case <-self.ctx.Done():
	case self.events <- event:
	}
}

// ListenAndServe accepts stream connections, each running as dom0.
// This is the trusted local socket path.
func (self *Server) ListenAndServe(listener net.Listener) error {
	go func() {
		select {
		case <-self.ctx.Done():
			listener.Close()
		}
	}()

	for {
		socket, err := listener.Accept()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return nil
			default:
				return err
			}
		}
		self.AddConn(NewStreamTransport(socket), Dom0)
	}
}

// ServeWs upgrades an http request to a websocket connection. The first
// frame must be a domain token; it is echoed back on success and the
// connection then runs as the authenticated domain.
func (self *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	if self.settings.WsSecret == nil {
		http.Error(w, "not enabled", http.StatusForbidden)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, frame, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[s]auth read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		glog.Infof("[s]auth bad frame type %d\n", messageType)
		return
	}

	domainJwt, err := ParseDomainJwt(self.settings.WsSecret, string(frame))
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		return
	}

	// verify by echoing the auth back
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		glog.Infof("[s]auth echo error = %s\n", err)
		return
	}
	ws.SetReadDeadline(time.Time{})

	success = true
	self.AddConn(
		NewWsTransport(self.ctx, ws, self.settings.WsTransportSettings),
		domainJwt.DomainId,
	)
}

func (self *Server) Close() {
	self.cancel()
}

// ServerConn is one attached connection: a reader goroutine feeding the
// dispatch loop and a writer goroutine draining the send queue.
type ServerConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	server    *Server
	connId    Id
	domainId  DomainId
	transport MessageTransport
	send      chan *Message
}

func (self *ServerConn) Id() Id {
	return self.connId
}

func (self *ServerConn) DomainId() DomainId {
	return self.domainId
}

func (self *ServerConn) reader() {
	defer self.disconnect()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		message, err := self.transport.ReadMessage()
		if err != nil {
			if message != nil && IsCode(err, E2BIG) {
				// the stream is desynced, one last error reply
				// then drop the connection
				self.offer(errorReply(&message.Header, err))
			}
			if !errors.Is(err, context.Canceled) {
				glog.V(1).Infof("[sr]%s<- error = %s\n", self.connId, err)
			}
			return
		}
		self.server.post(&serverEvent{
			kind:    serverEventRequest,
			conn:    self,
			message: message,
		})
	}
}

func (self *ServerConn) writer() {
	defer self.disconnect()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			if err := self.transport.WriteMessage(message); err != nil {
				glog.V(1).Infof("[sw]%s-> error = %s\n", self.connId, err)
				return
			}
		}
	}
}

// offer tries to enqueue an outgoing message without blocking. It
// returns false when the send buffer is full or the connection is
// closing, and the caller decides what happens to the message.
func (self *ServerConn) offer(message *Message) bool {
	select {
	case self.send <- message:
		return true
	case <-self.ctx.Done():
		return false
	default:
		return false
	}
}

func (self *ServerConn) disconnect() {
	self.server.post(&serverEvent{kind: serverEventDisconnect, conn: self})
}

func (self *ServerConn) close() {
	self.cancel()
	self.transport.Close()
}
