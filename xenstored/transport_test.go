package xenstored

import (
	"io"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRingReadWrite(t *testing.T) {
	ring := NewRing(8)

	n, err := ring.Write([]byte("abc"))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, n)

	b := make([]byte, 8)
	n, err = ring.Read(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("abc"), b[:n])
}

func TestRingBlockingWrite(t *testing.T) {
	// a write larger than the capacity completes as the reader drains
	ring := NewRing(4)

	done := make(chan error)
	go func() {
		_, err := ring.Write([]byte("0123456789"))
		done <- err
	}()

	out := []byte{}
	for len(out) < 10 {
		b := make([]byte, 4)
		n, err := ring.Read(b)
		assert.Equal(t, nil, err)
		out = append(out, b[:n]...)
	}
	assert.Equal(t, []byte("0123456789"), out)

	select {
	case err := <-done:
		assert.Equal(t, nil, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("write did not complete")
	}
}

func TestRingClose(t *testing.T) {
	ring := NewRing(8)
	ring.Write([]byte("ab"))
	ring.Close()

	// buffered bytes still drain
	b := make([]byte, 8)
	n, err := ring.Read(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, n)

	_, err = ring.Read(b)
	assert.Equal(t, io.EOF, err)

	_, err = ring.Write([]byte("x"))
	assert.Equal(t, io.ErrClosedPipe, err)
}

func TestRingPairMessages(t *testing.T) {
	a, b := NewRingPair()
	ta := NewStreamTransport(a)
	tb := NewStreamTransport(b)

	sent := NewMessage(OpWrite, 7, 0, append([]byte("/a\x00"), []byte("v")...))

	done := make(chan error)
	go func() {
		done <- ta.WriteMessage(sent)
	}()

	received, err := tb.ReadMessage()
	assert.Equal(t, nil, err)
	assert.Equal(t, sent.Header, received.Header)
	assert.Equal(t, sent.Payload, received.Payload)
	assert.Equal(t, nil, <-done)
}

func TestReadMessageOversize(t *testing.T) {
	a, b := NewRingPair()
	go func() {
		header := &Header{Op: OpWrite, ReqId: 3, Len: MaxPayload + 1}
		a.Write(header.Bytes())
	}()

	message, err := ReadMessage(b)
	assert.Equal(t, true, IsCode(err, E2BIG))
	// the header comes back for the final error reply
	assert.NotEqual(t, nil, message)
	assert.Equal(t, ReqId(3), message.Header.ReqId)
}
