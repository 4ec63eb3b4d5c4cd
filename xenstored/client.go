package xenstored

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	RequestTimeout  time.Duration
	EventBufferSize int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		RequestTimeout:  5 * time.Second,
		EventBufferSize: 32,
	}
}

// Client speaks the protocol over a transport. Requests may be issued
// from any goroutine; replies correlate by request id. Watch events
// arrive on the Events channel.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport MessageTransport
	settings  *ClientSettings

	mutex     sync.Mutex
	nextReqId ReqId
	pending   map[ReqId]chan *Message

	events chan Event
}

func NewClientWithDefaults(ctx context.Context, transport MessageTransport) *Client {
	return NewClient(ctx, transport, DefaultClientSettings())
}

func NewClient(ctx context.Context, transport MessageTransport, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		settings:  settings,
		nextReqId: 1,
		pending:   map[ReqId]chan *Message{},
		events:    make(chan Event, settings.EventBufferSize),
	}
	go client.run()
	return client
}

// Events is the unsolicited watch event stream. An event with Overflow
// set means earlier events were dropped and the watcher should re-read
// what it cares about.
func (self *Client) Events() <-chan Event {
	return self.events
}

func (self *Client) run() {
	defer func() {
		self.cancel()
		self.transport.Close()
		close(self.events)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		message, err := self.transport.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[c]<- error = %s\n", err)
			return
		}

		if message.Header.Op == OpWatchEvent {
			fields := message.Body().Strings()
			if len(fields) < 2 {
				glog.V(1).Infof("[c]bad event\n")
				continue
			}
			event := Event{
				Path:     fields[0],
				Token:    fields[1],
				Overflow: fields[0] == OverflowPath,
			}
			select {
			case <-self.ctx.Done():
				return
			case self.events <- event:
			default:
				// a slow consumer loses events, same contract as
				// the server side queue
				glog.V(1).Infof("[c]drop event\n")
			}
			continue
		}

		self.mutex.Lock()
		replies, ok := self.pending[message.Header.ReqId]
		if ok {
			delete(self.pending, message.Header.ReqId)
		}
		self.mutex.Unlock()
		if ok {
			replies <- message
		}
	}
}

func (self *Client) register() (ReqId, chan *Message) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	reqId := self.nextReqId
	self.nextReqId += 1
	replies := make(chan *Message, 1)
	self.pending[reqId] = replies
	return reqId, replies
}

func (self *Client) unregister(reqId ReqId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.pending, reqId)
}

// call issues one request and waits for its reply. An error reply comes
// back as an *Error with the wire code.
func (self *Client) call(ctx context.Context, op uint32, txId TxId, payload []byte) (*Message, error) {
	reqId, replies := self.register()

	if err := self.transport.WriteMessage(NewMessage(op, reqId, txId, payload)); err != nil {
		self.unregister(reqId)
		return nil, err
	}

	select {
	case <-ctx.Done():
		self.unregister(reqId)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.unregister(reqId)
		return nil, Errorf(EIO, "connection closed")
	case <-time.After(self.settings.RequestTimeout):
		self.unregister(reqId)
		return nil, Errorf(EIO, "request timeout")
	case reply := <-replies:
		if reply.Header.Op == OpError {
			fields := reply.Body().Strings()
			if len(fields) == 0 {
				return nil, Errorf(EIO, "empty error reply")
			}
			return nil, ErrorFromCode(fields[0])
		}
		return reply, nil
	}
}

func (self *Client) Read(ctx context.Context, txId TxId, path string) ([]byte, error) {
	reply, err := self.call(ctx, OpRead, txId, BodyFromStrings(path).Bytes())
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (self *Client) Write(ctx context.Context, txId TxId, path string, value []byte) error {
	payload := append(BodyFromStrings(path).Bytes(), value...)
	_, err := self.call(ctx, OpWrite, txId, payload)
	return err
}

func (self *Client) Mkdir(ctx context.Context, txId TxId, path string) error {
	_, err := self.call(ctx, OpMkdir, txId, BodyFromStrings(path).Bytes())
	return err
}

func (self *Client) Rm(ctx context.Context, txId TxId, path string) error {
	_, err := self.call(ctx, OpRm, txId, BodyFromStrings(path).Bytes())
	return err
}

func (self *Client) Directory(ctx context.Context, txId TxId, path string) ([]string, error) {
	reply, err := self.call(ctx, OpDirectory, txId, BodyFromStrings(path).Bytes())
	if err != nil {
		return nil, err
	}
	return reply.Body().Strings(), nil
}

func (self *Client) GetPerms(ctx context.Context, txId TxId, path string) ([]Permission, error) {
	reply, err := self.call(ctx, OpGetPerms, txId, BodyFromStrings(path).Bytes())
	if err != nil {
		return nil, err
	}
	fields := reply.Body().Strings()
	permissions := make([]Permission, 0, len(fields))
	for _, field := range fields {
		p, err := ParsePermission(field)
		if err != nil {
			return nil, err
		}
		permissions = append(permissions, p)
	}
	return permissions, nil
}

func (self *Client) SetPerms(ctx context.Context, txId TxId, path string, permissions []Permission) error {
	fields := []string{path}
	for _, p := range permissions {
		fields = append(fields, EncodePermission(p))
	}
	_, err := self.call(ctx, OpSetPerms, txId, BodyFromStrings(fields...).Bytes())
	return err
}

func (self *Client) Watch(ctx context.Context, path string, token string) error {
	_, err := self.call(ctx, OpWatch, RootTransaction, BodyFromStrings(path, token).Bytes())
	return err
}

func (self *Client) Unwatch(ctx context.Context, path string, token string) error {
	_, err := self.call(ctx, OpUnwatch, RootTransaction, BodyFromStrings(path, token).Bytes())
	return err
}

func (self *Client) ResetWatches(ctx context.Context) error {
	_, err := self.call(ctx, OpResetWatches, RootTransaction, nil)
	return err
}

func (self *Client) TransactionStart(ctx context.Context) (TxId, error) {
	reply, err := self.call(ctx, OpTransactionStart, RootTransaction, nil)
	if err != nil {
		return 0, err
	}
	fields := reply.Body().Strings()
	if len(fields) == 0 {
		return 0, Errorf(EIO, "empty transaction start reply")
	}
	txId, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, Errorf(EIO, "bad transaction id %q", fields[0])
	}
	return TxId(txId), nil
}

func (self *Client) TransactionEnd(ctx context.Context, txId TxId, commit bool) error {
	action := "F"
	if commit {
		action = "T"
	}
	_, err := self.call(ctx, OpTransactionEnd, txId, BodyFromStrings(action).Bytes())
	return err
}

func (self *Client) GetDomainPath(ctx context.Context, domainId DomainId) (string, error) {
	reply, err := self.call(ctx, OpGetDomainPath, RootTransaction,
		BodyFromStrings(strconv.FormatUint(uint64(domainId), 10)).Bytes())
	if err != nil {
		return "", err
	}
	fields := reply.Body().Strings()
	if len(fields) == 0 {
		return "", Errorf(EIO, "empty domain path reply")
	}
	return fields[0], nil
}

func (self *Client) Debug(ctx context.Context, args ...string) error {
	_, err := self.call(ctx, OpDebug, RootTransaction, BodyFromStrings(args...).Bytes())
	return err
}

// Close tears the connection down. Closing the transport unblocks the
// run goroutine if it is waiting in a read.
func (self *Client) Close() {
	self.cancel()
	self.transport.Close()
}
