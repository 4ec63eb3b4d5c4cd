package xenstored

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// Message is one framed protocol message, either direction.
type Message struct {
	Header  Header
	Payload []byte
}

func NewMessage(op uint32, reqId ReqId, txId TxId, payload []byte) *Message {
	return &Message{
		Header: Header{
			Op:    op,
			ReqId: reqId,
			TxId:  txId,
			Len:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (self *Message) Bytes() []byte {
	b := make([]byte, 0, HeaderSize+len(self.Payload))
	b = append(b, self.Header.Bytes()...)
	b = append(b, self.Payload...)
	return b
}

func (self *Message) Body() Body {
	body, _ := ParseBody(&self.Header, self.Payload)
	return body
}

// ReadMessage reads one framed message off a stream: the fixed header,
// then exactly Len payload bytes. A header advertising more than
// MaxPayload fails with E2BIG and leaves the stream desynced; the parsed
// header comes back with the error so the caller can mirror the request
// id in a final error reply before tearing the connection down.
func ReadMessage(reader io.Reader) (*Message, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(reader, headerBytes); err != nil {
		return nil, err
	}
	header, err := ParseHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if MaxPayload < header.Len {
		return &Message{Header: *header}, Errorf(E2BIG, "message of %d bytes", header.Len)
	}
	payload := make([]byte, header.Len)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return &Message{
		Header:  *header,
		Payload: payload,
	}, nil
}

// WriteMessage writes one framed message to a stream.
func WriteMessage(writer io.Writer, message *Message) error {
	_, err := writer.Write(message.Bytes())
	return err
}

// EventMessage renders a pending watch event. Events are unsolicited, so
// the request and transaction ids are zero.
func EventMessage(event Event) *Message {
	return NewMessage(
		OpWatchEvent,
		0,
		RootTransaction,
		BodyFromStrings(event.Path, event.Token).Bytes(),
	)
}

// HandleRequest processes one request against the system and produces
// exactly one reply. Request failures become error replies carrying the
// errno string; nothing here tears the daemon down.
func HandleRequest(system *System, connId Id, domainId DomainId, request *Message) *Message {
	reply, err := dispatch(system, connId, domainId, request)
	if err != nil {
		return errorReply(&request.Header, err)
	}
	return reply
}

func errorReply(header *Header, err error) *Message {
	code := EIO
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return NewMessage(
		OpError,
		header.ReqId,
		header.TxId,
		BodyFromStrings(string(code)).Bytes(),
	)
}

// ack is the empty-bodied success reply mirroring the request.
func ack(header *Header) *Message {
	return NewMessage(header.Op, header.ReqId, header.TxId, nil)
}

func dispatch(system *System, connId Id, domainId DomainId, request *Message) (*Message, error) {
	header := &request.Header
	body, err := ParseBody(header, request.Payload)
	if err != nil {
		return nil, Errorf(EINVAL, "malformed request: %s", err)
	}
	fields := body.Strings()

	arg := func(i int) (string, error) {
		if len(fields) <= i {
			return "", Errorf(EINVAL, "missing request field %d", i)
		}
		return fields[i], nil
	}
	pathArg := func(i int) (Path, error) {
		s, err := arg(i)
		if err != nil {
			return "", err
		}
		return ParsePath(domainId, s)
	}
	watchArgs := func() (WatchPath, string, error) {
		s, err := arg(0)
		if err != nil {
			return WatchPath{}, "", err
		}
		token, err := arg(1)
		if err != nil {
			return WatchPath{}, "", err
		}
		path, err := ParseWatchPath(domainId, s)
		if err != nil {
			return WatchPath{}, "", err
		}
		return path, token, nil
	}

	switch header.Op {
	case OpDirectory:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		children, err := system.Directory(connId, domainId, header.TxId, path)
		if err != nil {
			return nil, err
		}
		return NewMessage(OpDirectory, header.ReqId, header.TxId, BodyFromStrings(children...).Bytes()), nil

	case OpRead:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		value, err := system.Read(connId, domainId, header.TxId, path)
		if err != nil {
			return nil, err
		}
		// the value is raw bytes, not a NUL-terminated field
		return NewMessage(OpRead, header.ReqId, header.TxId, value), nil

	case OpGetPerms:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		permissions, err := system.GetPerms(connId, domainId, header.TxId, path)
		if err != nil {
			return nil, err
		}
		encoded := make([]string, len(permissions))
		for i, p := range permissions {
			encoded[i] = EncodePermission(p)
		}
		return NewMessage(OpGetPerms, header.ReqId, header.TxId, BodyFromStrings(encoded...).Bytes()), nil

	case OpWrite:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		// the value is everything after the path's NUL, which may
		// itself contain NULs
		value := []byte{}
		if i := indexNul(request.Payload); 0 <= i && i+1 <= len(request.Payload) {
			value = request.Payload[i+1:]
		}
		if err := system.Write(connId, domainId, header.TxId, path, value); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpMkdir:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		if err := system.Mkdir(connId, domainId, header.TxId, path); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpRm:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		if err := system.Rm(connId, domainId, header.TxId, path); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpSetPerms:
		path, err := pathArg(0)
		if err != nil {
			return nil, err
		}
		if len(fields) < 2 {
			return nil, Errorf(EINVAL, "set perms with no permissions")
		}
		permissions := make([]Permission, 0, len(fields)-1)
		for _, field := range fields[1:] {
			p, err := ParsePermission(field)
			if err != nil {
				return nil, err
			}
			permissions = append(permissions, p)
		}
		if err := system.SetPerms(connId, domainId, header.TxId, path, permissions); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpTransactionStart:
		txId, err := system.TransactionStart(connId, domainId)
		if err != nil {
			return nil, err
		}
		return NewMessage(OpTransactionStart, header.ReqId, header.TxId,
			BodyFromStrings(strconv.FormatUint(uint64(txId), 10)).Bytes()), nil

	case OpTransactionEnd:
		action, err := arg(0)
		if err != nil {
			return nil, err
		}
		var commit bool
		switch action {
		case "T":
			commit = true
		case "F":
			commit = false
		default:
			return nil, Errorf(EINVAL, "bad transaction end %q", action)
		}
		if err := system.TransactionEnd(connId, header.TxId, commit); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpWatch:
		path, token, err := watchArgs()
		if err != nil {
			return nil, err
		}
		if err := system.Watch(connId, domainId, path, token); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpUnwatch:
		path, token, err := watchArgs()
		if err != nil {
			return nil, err
		}
		if err := system.Unwatch(connId, domainId, path, token); err != nil {
			return nil, err
		}
		return ack(header), nil

	case OpResetWatches:
		system.ResetWatches(connId)
		return ack(header), nil

	case OpGetDomainPath:
		s, err := arg(0)
		if err != nil {
			return nil, err
		}
		target, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, Errorf(EINVAL, "bad domain id %q", s)
		}
		return NewMessage(OpGetDomainPath, header.ReqId, header.TxId,
			BodyFromStrings(DomainPath(DomainId(target)).String()).Bytes()), nil

	case OpDebug:
		glog.V(1).Infof("[%s]debug %s\n", connId, strings.Join(fields, " "))
		return ack(header), nil

	case OpIsDomainIntroduced:
		// domain lifecycle is out of scope, nothing is ever introduced
		return NewMessage(OpIsDomainIntroduced, header.ReqId, header.TxId,
			BodyFromStrings("F").Bytes()), nil

	case OpIntroduce, OpRelease, OpResume, OpSetTarget, OpRestrict:
		// accepted for client compatibility, no domain lifecycle here
		return ack(header), nil

	default:
		return nil, Errorf(EINVAL, "unknown operation %d", header.Op)
	}
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
