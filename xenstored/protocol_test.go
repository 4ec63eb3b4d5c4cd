package xenstored

import (
	"strconv"
	"testing"

	"github.com/go-playground/assert/v2"
)

func request(op uint32, reqId ReqId, txId TxId, fields ...string) *Message {
	return NewMessage(op, reqId, txId, BodyFromStrings(fields...).Bytes())
}

func assertError(t *testing.T, reply *Message, code ErrorCode) {
	assert.Equal(t, OpError, reply.Header.Op)
	fields := reply.Body().Strings()
	assert.Equal(t, 1, len(fields))
	assert.Equal(t, string(code), fields[0])
}

func TestProtocolWriteRead(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	payload := append([]byte("/a\x00"), []byte("hello")...)
	write := NewMessage(OpWrite, 1, RootTransaction, payload)
	reply := HandleRequest(system, connId, Dom0, write)
	assert.Equal(t, OpWrite, reply.Header.Op)
	assert.Equal(t, ReqId(1), reply.Header.ReqId)
	assert.Equal(t, uint32(0), reply.Header.Len)

	reply = HandleRequest(system, connId, Dom0, request(OpRead, 2, RootTransaction, "/a"))
	assert.Equal(t, OpRead, reply.Header.Op)
	assert.Equal(t, ReqId(2), reply.Header.ReqId)
	// a read reply is the raw value
	assert.Equal(t, []byte("hello"), reply.Payload)
}

func TestProtocolWriteValueWithNul(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	value := []byte("bin\x00ary")
	payload := append([]byte("/a\x00"), value...)
	reply := HandleRequest(system, connId, Dom0, NewMessage(OpWrite, 1, RootTransaction, payload))
	assert.Equal(t, OpWrite, reply.Header.Op)

	reply = HandleRequest(system, connId, Dom0, request(OpRead, 2, RootTransaction, "/a"))
	assert.Equal(t, value, reply.Payload)
}

func TestProtocolDirectory(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	HandleRequest(system, connId, Dom0, request(OpMkdir, 1, RootTransaction, "/d/b"))
	HandleRequest(system, connId, Dom0, request(OpMkdir, 2, RootTransaction, "/d/a"))

	reply := HandleRequest(system, connId, Dom0, request(OpDirectory, 3, RootTransaction, "/d"))
	assert.Equal(t, OpDirectory, reply.Header.Op)
	assert.Equal(t, []string{"a", "b"}, reply.Body().Strings())
}

func TestProtocolErrors(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	// absent node
	reply := HandleRequest(system, connId, Dom0, request(OpRead, 1, RootTransaction, "/nope"))
	assertError(t, reply, ENOENT)
	assert.Equal(t, ReqId(1), reply.Header.ReqId)

	// bad path
	reply = HandleRequest(system, connId, Dom0, request(OpRead, 2, RootTransaction, "/a//b"))
	assertError(t, reply, EINVAL)

	// missing fields
	reply = HandleRequest(system, connId, Dom0, request(OpRead, 3, RootTransaction))
	assertError(t, reply, EINVAL)

	// unknown op
	reply = HandleRequest(system, connId, Dom0, request(OpInvalid, 4, RootTransaction))
	assertError(t, reply, EINVAL)

	// permission denied for an unprivileged domain
	reply = HandleRequest(system, connId, 7, request(OpRead, 5, RootTransaction, "/"))
	assertError(t, reply, EACCES)

	// foreign transaction id
	reply = HandleRequest(system, connId, Dom0, request(OpRead, 6, TxId(999), "/"))
	assertError(t, reply, ENOENT)
}

func TestProtocolGetSetPerms(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	HandleRequest(system, connId, Dom0, request(OpMkdir, 1, RootTransaction, "/a"))

	reply := HandleRequest(system, connId, Dom0,
		request(OpSetPerms, 2, RootTransaction, "/a", "n0", "b7"))
	assert.Equal(t, OpSetPerms, reply.Header.Op)

	reply = HandleRequest(system, connId, Dom0, request(OpGetPerms, 3, RootTransaction, "/a"))
	assert.Equal(t, []string{"n0", "b7"}, reply.Body().Strings())

	reply = HandleRequest(system, connId, Dom0,
		request(OpSetPerms, 4, RootTransaction, "/a", "x0"))
	assertError(t, reply, EINVAL)
}

func TestProtocolTransaction(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	reply := HandleRequest(system, connId, Dom0, request(OpTransactionStart, 1, RootTransaction))
	assert.Equal(t, OpTransactionStart, reply.Header.Op)
	fields := reply.Body().Strings()
	assert.Equal(t, 1, len(fields))
	txId := parseTxId(t, fields[0])

	payload := append([]byte("/t\x00"), []byte("v")...)
	reply = HandleRequest(system, connId, Dom0, NewMessage(OpWrite, 2, txId, payload))
	assert.Equal(t, OpWrite, reply.Header.Op)

	// invisible outside the transaction
	reply = HandleRequest(system, connId, Dom0, request(OpRead, 3, RootTransaction, "/t"))
	assertError(t, reply, ENOENT)

	// bad end action
	reply = HandleRequest(system, connId, Dom0, request(OpTransactionEnd, 4, txId, "X"))
	assertError(t, reply, EINVAL)

	reply = HandleRequest(system, connId, Dom0, request(OpTransactionEnd, 5, txId, "T"))
	assert.Equal(t, OpTransactionEnd, reply.Header.Op)

	reply = HandleRequest(system, connId, Dom0, request(OpRead, 6, RootTransaction, "/t"))
	assert.Equal(t, []byte("v"), reply.Payload)
}

// a direct write to a path a transaction touched defeats the transaction
func TestProtocolDirectWriteDefeatsTransaction(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	HandleRequest(system, connId, Dom0, request(OpMkdir, 1, RootTransaction, "/c"))

	reply := HandleRequest(system, connId, Dom0, request(OpTransactionStart, 2, RootTransaction))
	txId := parseTxId(t, reply.Body().Strings()[0])

	payload := append([]byte("/c\x00"), []byte("slow")...)
	HandleRequest(system, connId, Dom0, NewMessage(OpWrite, 3, txId, payload))

	payload = append([]byte("/c\x00"), []byte("fast")...)
	reply = HandleRequest(system, connId, Dom0, NewMessage(OpWrite, 4, RootTransaction, payload))
	assert.Equal(t, OpWrite, reply.Header.Op)

	reply = HandleRequest(system, connId, Dom0, request(OpTransactionEnd, 5, txId, "T"))
	assertError(t, reply, EAGAIN)

	reply = HandleRequest(system, connId, Dom0, request(OpRead, 6, RootTransaction, "/c"))
	assert.Equal(t, []byte("fast"), reply.Payload)
}

func TestProtocolWatchEvents(t *testing.T) {
	system := NewSystemWithDefaults()
	watcher := NewId()
	writer := NewId()

	reply := HandleRequest(system, watcher, Dom0, request(OpWatch, 1, RootTransaction, "/a", "tok"))
	assert.Equal(t, OpWatch, reply.Header.Op)

	// registration fires a synthetic event for the watched path
	events := system.DrainEvents(watcher)
	assert.Equal(t, []Event{{Path: "/a", Token: "tok"}}, events)

	payload := append([]byte("/a/b\x00"), []byte("v")...)
	HandleRequest(system, writer, Dom0, NewMessage(OpWrite, 1, RootTransaction, payload))

	events = system.DrainEvents(watcher)
	// the write created /a and /a/b
	assert.Equal(t, []Event{
		{Path: "/a", Token: "tok"},
		{Path: "/a/b", Token: "tok"},
	}, events)

	// the event message has zero request and transaction ids
	message := EventMessage(events[0])
	assert.Equal(t, OpWatchEvent, message.Header.Op)
	assert.Equal(t, ReqId(0), message.Header.ReqId)
	assert.Equal(t, RootTransaction, message.Header.TxId)
	assert.Equal(t, []string{"/a", "tok"}, message.Body().Strings())

	// duplicate watch
	reply = HandleRequest(system, watcher, Dom0, request(OpWatch, 2, RootTransaction, "/a", "tok"))
	assertError(t, reply, EEXIST)

	// unwatch then silence
	reply = HandleRequest(system, watcher, Dom0, request(OpUnwatch, 3, RootTransaction, "/a", "tok"))
	assert.Equal(t, OpUnwatch, reply.Header.Op)

	HandleRequest(system, writer, Dom0, NewMessage(OpWrite, 2, RootTransaction, payload))
	assert.Equal(t, 0, len(system.DrainEvents(watcher)))
}

func TestProtocolTransactionWatchEventsOnCommit(t *testing.T) {
	system := NewSystemWithDefaults()
	watcher := NewId()
	writer := NewId()

	HandleRequest(system, writer, Dom0, request(OpMkdir, 1, RootTransaction, "/w"))

	HandleRequest(system, watcher, Dom0, request(OpWatch, 1, RootTransaction, "/w", "tok"))
	system.DrainEvents(watcher)

	reply := HandleRequest(system, writer, Dom0, request(OpTransactionStart, 2, RootTransaction))
	txId := parseTxId(t, reply.Body().Strings()[0])

	payload := append([]byte("/w\x00"), []byte("v")...)
	HandleRequest(system, writer, Dom0, NewMessage(OpWrite, 3, txId, payload))

	// nothing fires until commit
	assert.Equal(t, 0, len(system.DrainEvents(watcher)))

	HandleRequest(system, writer, Dom0, request(OpTransactionEnd, 4, txId, "T"))
	events := system.DrainEvents(watcher)
	assert.Equal(t, []Event{{Path: "/w", Token: "tok"}}, events)
}

func TestProtocolCompatAcks(t *testing.T) {
	system := NewSystemWithDefaults()
	connId := NewId()

	for _, op := range []uint32{OpIntroduce, OpRelease, OpResume, OpSetTarget, OpRestrict} {
		reply := HandleRequest(system, connId, Dom0, request(op, 1, RootTransaction))
		assert.Equal(t, op, reply.Header.Op)
		assert.Equal(t, uint32(0), reply.Header.Len)
	}

	reply := HandleRequest(system, connId, Dom0, request(OpIsDomainIntroduced, 2, RootTransaction, "7"))
	assert.Equal(t, []string{"F"}, reply.Body().Strings())

	reply = HandleRequest(system, connId, Dom0, request(OpGetDomainPath, 3, RootTransaction, "7"))
	assert.Equal(t, []string{"/local/domain/7"}, reply.Body().Strings())

	reply = HandleRequest(system, connId, Dom0, request(OpDebug, 4, RootTransaction, "ping"))
	assert.Equal(t, OpDebug, reply.Header.Op)
}

func parseTxId(t *testing.T, s string) TxId {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		t.Fatalf("bad transaction id %q: %v", s, err)
	}
	return TxId(n)
}
