package xenstored

import (
	"io"
	"sync"
)

// MessageTransport moves framed messages for one connection. Read blocks
// until a message or a terminal error; after Close both directions fail.
type MessageTransport interface {
	ReadMessage() (*Message, error)
	WriteMessage(message *Message) error
	Close() error
}

// StreamTransport frames messages over any byte stream, typically a unix
// or tcp socket. Reads and writes are each single-goroutine.
type StreamTransport struct {
	stream io.ReadWriteCloser
}

func NewStreamTransport(stream io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		stream: stream,
	}
}

func (self *StreamTransport) ReadMessage() (*Message, error) {
	return ReadMessage(self.stream)
}

func (self *StreamTransport) WriteMessage(message *Message) error {
	return WriteMessage(self.stream, message)
}

func (self *StreamTransport) Close() error {
	return self.stream.Close()
}

// DefaultRingCapacity is a page, matching the fixed-size shared rings
// guests use for this protocol.
const DefaultRingCapacity = 4096

// Ring is a bounded one-way byte queue. Readers block while it is empty
// and writers block while it is full, both waking through the monitor.
type Ring struct {
	monitor *Monitor

	mutex    sync.Mutex
	buffer   []byte
	capacity int
	closed   bool
}

func NewRing(capacity int) *Ring {
	return &Ring{
		monitor:  NewMonitor(),
		capacity: capacity,
	}
}

func (self *Ring) Read(b []byte) (int, error) {
	for {
		notify := self.monitor.NotifyChannel()

		self.mutex.Lock()
		if 0 < len(self.buffer) {
			n := copy(b, self.buffer)
			self.buffer = self.buffer[n:]
			self.mutex.Unlock()
			self.monitor.NotifyAll()
			return n, nil
		}
		closed := self.closed
		self.mutex.Unlock()

		if closed {
			return 0, io.EOF
		}
		<-notify
	}
}

func (self *Ring) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		notify := self.monitor.NotifyChannel()

		self.mutex.Lock()
		if self.closed {
			self.mutex.Unlock()
			return written, io.ErrClosedPipe
		}
		free := self.capacity - len(self.buffer)
		if 0 < free {
			n := min(free, len(b)-written)
			self.buffer = append(self.buffer, b[written:written+n]...)
			written += n
			self.mutex.Unlock()
			self.monitor.NotifyAll()
			continue
		}
		self.mutex.Unlock()

		<-notify
	}
	return written, nil
}

func (self *Ring) Close() error {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()
	self.monitor.NotifyAll()
	return nil
}

// RingPair is an in-memory duplex connection built from two rings, one
// per direction. Both ends are io.ReadWriteClosers; wrap each in a
// StreamTransport to speak the framed protocol over them.
type ringEnd struct {
	read  *Ring
	write *Ring
}

func (self *ringEnd) Read(b []byte) (int, error) {
	return self.read.Read(b)
}

func (self *ringEnd) Write(b []byte) (int, error) {
	return self.write.Write(b)
}

func (self *ringEnd) Close() error {
	self.read.Close()
	self.write.Close()
	return nil
}

func NewRingPair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	return NewRingPairWithCapacity(DefaultRingCapacity)
}

func NewRingPairWithCapacity(capacity int) (io.ReadWriteCloser, io.ReadWriteCloser) {
	a := NewRing(capacity)
	b := NewRing(capacity)
	return &ringEnd{read: a, write: b}, &ringEnd{read: b, write: a}
}
