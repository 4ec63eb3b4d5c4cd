package xenstored

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// message types
const (
	OpDebug              uint32 = 0
	OpDirectory          uint32 = 1
	OpRead               uint32 = 2
	OpGetPerms           uint32 = 3
	OpWatch              uint32 = 4
	OpUnwatch            uint32 = 5
	OpTransactionStart   uint32 = 6
	OpTransactionEnd     uint32 = 7
	OpIntroduce          uint32 = 8
	OpRelease            uint32 = 9
	OpGetDomainPath      uint32 = 10
	OpWrite              uint32 = 11
	OpMkdir              uint32 = 12
	OpRm                 uint32 = 13
	OpSetPerms           uint32 = 14
	OpWatchEvent         uint32 = 15
	OpError              uint32 = 16
	OpIsDomainIntroduced uint32 = 17
	OpResume             uint32 = 18
	OpSetTarget          uint32 = 19
	OpRestrict           uint32 = 20
	OpResetWatches       uint32 = 21
	OpInvalid            uint32 = 0xffff
)

const (
	// a header is always 16 bytes
	HeaderSize = 16
	// a body is at most 4k
	MaxPayload = 4096

	MaxAbsPathLength = 3072
	MaxRelPathLength = 2048
	MaxPathDepth     = 64
	MaxValueLength   = 2048
)

type ReqId = uint32
type TxId = uint32
type DomainId = uint32

// RootTransaction is the implicit transaction every request outside of an
// explicit transaction runs in.
const RootTransaction TxId = 0

// Dom0 bypasses all permission checks.
const Dom0 DomainId = 0

// Header is the fixed preamble of every message in both directions.
// The layout is little endian u32 {op, reqId, txId, len}.
type Header struct {
	Op    uint32
	ReqId ReqId
	TxId  TxId
	Len   uint32
}

func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("short header: %d bytes", len(b))
	}
	return &Header{
		Op:    binary.LittleEndian.Uint32(b[0:4]),
		ReqId: binary.LittleEndian.Uint32(b[4:8]),
		TxId:  binary.LittleEndian.Uint32(b[8:12]),
		Len:   binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

func (self *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], self.Op)
	binary.LittleEndian.PutUint32(b[4:8], self.ReqId)
	binary.LittleEndian.PutUint32(b[8:12], self.TxId)
	binary.LittleEndian.PutUint32(b[12:16], self.Len)
	return b
}

// Body is the payload of a message, a sequence of byte strings that are
// NUL-terminated on the wire.
type Body [][]byte

func ParseBody(header *Header, b []byte) (Body, error) {
	if int(header.Len) != len(b) {
		return nil, fmt.Errorf("body length mismatch: header says %d, have %d", header.Len, len(b))
	}

	// split the payload at NUL bytes, dropping empty fields
	fields := Body{}
	for _, field := range bytes.Split(b, []byte{0}) {
		if 0 < len(field) {
			fields = append(fields, field)
		}
	}
	return fields, nil
}

func (self Body) Bytes() []byte {
	b := make([]byte, 0, MaxPayload)
	for _, field := range self {
		if 0 < len(field) {
			b = append(b, field...)
			b = append(b, 0)
		}
	}
	return b
}

func (self Body) Strings() []string {
	out := make([]string, len(self))
	for i, field := range self {
		out[i] = string(field)
	}
	return out
}

func BodyFromStrings(fields ...string) Body {
	body := make(Body, len(fields))
	for i, field := range fields {
		body[i] = []byte(field)
	}
	return body
}
