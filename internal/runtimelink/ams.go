package runtimelink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// AMS/TCP framing constants.
const (
	amsTCPHeaderLen = 6
	amsHeaderLen    = 32
	maxPayloadLen   = 1 << 20

	stateFlagRequest  uint16 = 0x0004
	stateFlagResponse uint16 = 0x0005
)

// ADS command identifiers.
const (
	cmdRead      uint16 = 2
	cmdWrite     uint16 = 3
	cmdReadState uint16 = 4
	cmdReadWrite uint16 = 9
)

// ADS reserved index groups for symbol access.
const (
	indexGroupHandleByName  uint32 = 0xF003
	indexGroupValueByHandle uint32 = 0xF005
	indexGroupReleaseHandle uint32 = 0xF006
)

// ErrProtocolDesync indicates a malformed or unexpected frame.
var ErrProtocolDesync = errors.New("ads protocol desync")

// NetID is a six-byte AMS network identifier such as 5.12.34.56.1.1.
type NetID [6]byte

// ParseNetID parses dotted AMS net id notation.
func ParseNetID(value string) (NetID, error) {
	var id NetID
	parts := strings.Split(strings.TrimSpace(value), ".")
	if len(parts) != len(id) {
		return id, fmt.Errorf("parse net id %q: want 6 dot-separated octets", value)
	}
	for i, part := range parts {
		octet, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return id, fmt.Errorf("parse net id %q: %w", value, err)
		}
		id[i] = byte(octet)
	}
	return id, nil
}

func (n NetID) String() string {
	parts := make([]string, len(n))
	for i, octet := range n {
		parts[i] = strconv.Itoa(int(octet))
	}
	return strings.Join(parts, ".")
}

// Addr is an AMS address: net id plus port.
type Addr struct {
	NetID NetID
	Port  uint16
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.NetID, a.Port)
}

type amsHeader struct {
	Target     Addr
	Source     Addr
	Command    uint16
	StateFlags uint16
	Length     uint32
	ErrorCode  uint32
	InvokeID   uint32
}

func encodeFrame(header amsHeader, data []byte) []byte {
	header.Length = uint32(len(data))
	frame := make([]byte, amsTCPHeaderLen+amsHeaderLen+len(data))
	binary.LittleEndian.PutUint16(frame[0:2], 0)
	binary.LittleEndian.PutUint32(frame[2:6], uint32(amsHeaderLen+len(data)))

	h := frame[amsTCPHeaderLen:]
	copy(h[0:6], header.Target.NetID[:])
	binary.LittleEndian.PutUint16(h[6:8], header.Target.Port)
	copy(h[8:14], header.Source.NetID[:])
	binary.LittleEndian.PutUint16(h[14:16], header.Source.Port)
	binary.LittleEndian.PutUint16(h[16:18], header.Command)
	binary.LittleEndian.PutUint16(h[18:20], header.StateFlags)
	binary.LittleEndian.PutUint32(h[20:24], header.Length)
	binary.LittleEndian.PutUint32(h[24:28], header.ErrorCode)
	binary.LittleEndian.PutUint32(h[28:32], header.InvokeID)
	copy(h[amsHeaderLen:], data)
	return frame
}

func readFrame(r io.Reader) (amsHeader, []byte, error) {
	var tcpHeader [amsTCPHeaderLen]byte
	if _, err := io.ReadFull(r, tcpHeader[:]); err != nil {
		return amsHeader{}, nil, err
	}
	total := binary.LittleEndian.Uint32(tcpHeader[2:6])
	if total < amsHeaderLen || total > amsHeaderLen+maxPayloadLen {
		return amsHeader{}, nil, fmt.Errorf("%w: frame length %d", ErrProtocolDesync, total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return amsHeader{}, nil, err
	}

	var header amsHeader
	copy(header.Target.NetID[:], body[0:6])
	header.Target.Port = binary.LittleEndian.Uint16(body[6:8])
	copy(header.Source.NetID[:], body[8:14])
	header.Source.Port = binary.LittleEndian.Uint16(body[14:16])
	header.Command = binary.LittleEndian.Uint16(body[16:18])
	header.StateFlags = binary.LittleEndian.Uint16(body[18:20])
	header.Length = binary.LittleEndian.Uint32(body[20:24])
	header.ErrorCode = binary.LittleEndian.Uint32(body[24:28])
	header.InvokeID = binary.LittleEndian.Uint32(body[28:32])

	data := body[amsHeaderLen:]
	if int(header.Length) != len(data) {
		return amsHeader{}, nil, fmt.Errorf("%w: header length %d, payload %d", ErrProtocolDesync, header.Length, len(data))
	}
	return header, data, nil
}

func readRequest(indexGroup, indexOffset, length uint32) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], indexGroup)
	binary.LittleEndian.PutUint32(data[4:8], indexOffset)
	binary.LittleEndian.PutUint32(data[8:12], length)
	return data
}

func writeRequest(indexGroup, indexOffset uint32, value []byte) []byte {
	data := make([]byte, 12+len(value))
	binary.LittleEndian.PutUint32(data[0:4], indexGroup)
	binary.LittleEndian.PutUint32(data[4:8], indexOffset)
	binary.LittleEndian.PutUint32(data[8:12], uint32(len(value)))
	copy(data[12:], value)
	return data
}

func readWriteRequest(indexGroup, indexOffset, readLength uint32, value []byte) []byte {
	data := make([]byte, 16+len(value))
	binary.LittleEndian.PutUint32(data[0:4], indexGroup)
	binary.LittleEndian.PutUint32(data[4:8], indexOffset)
	binary.LittleEndian.PutUint32(data[8:12], readLength)
	binary.LittleEndian.PutUint32(data[12:16], uint32(len(value)))
	copy(data[16:], value)
	return data
}
