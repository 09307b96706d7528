package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎 sauc 二进制帧：4 字节 header + 可选 sequence + payload size + payload。
const protocolVersion = 0b0001

type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ErrorMessage       MessageType = 0b1111
)

type MessageFlags uint8

const (
	NoSequence       MessageFlags = 0b0000
	PositiveSequence MessageFlags = 0b0001
	LastNoSequence   MessageFlags = 0b0010
	NegativeSequence MessageFlags = 0b0011
)

type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Header 帧头，HeaderSize 以 4 字节为单位。
type Header struct {
	HeaderSize    uint8
	MessageType   MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
}

// Frame 一个完整的协议帧。
type Frame struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func (h Header) hasSequence() bool {
	f := h.Flags & 0b0011
	return f == PositiveSequence || f == NegativeSequence
}

// Last 是否为最后一包。
func (f *Frame) Last() bool {
	switch f.Header.Flags & 0b0011 {
	case LastNoSequence, NegativeSequence:
		return true
	default:
		return false
	}
}

// Encode 将帧编码为线上字节。
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	size := f.Header.HeaderSize
	if size == 0 {
		size = 1
	}
	buf.WriteByte(protocolVersion<<4 | size)
	buf.WriteByte(uint8(f.Header.MessageType)<<4 | uint8(f.Header.Flags))
	buf.WriteByte(uint8(f.Header.Serialization)<<4 | uint8(f.Header.Compression))
	buf.WriteByte(0)
	for i := 1; i < int(size); i++ {
		buf.Write([]byte{0, 0, 0, 0})
	}

	if f.Header.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.Header.MessageType == ErrorMessage {
		_ = binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame 解析一个服务端帧。
func DecodeFrame(r io.Reader) (*Frame, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}

	f := &Frame{Header: Header{
		HeaderSize:    head[0] & 0x0F,
		MessageType:   MessageType(head[1] >> 4),
		Flags:         MessageFlags(head[1] & 0x0F),
		Serialization: Serialization(head[2] >> 4),
		Compression:   Compression(head[2] & 0x0F),
	}}

	if extra := int(f.Header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}
	if f.Header.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}
	if f.Header.MessageType == ErrorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("read payload (%d bytes): %w", size, err)
		}
	}
	return f, nil
}

// NewConfigFrame 首包：携带 JSON 识别参数。
func NewConfigFrame(payload []byte) (*Frame, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Header:  Header{HeaderSize: 1, MessageType: FullClientRequest, Serialization: JSONSerialization, Compression: GzipCompression},
		Payload: compressed,
	}, nil
}

// NewAudioFrame 音频包；最后一包用负序号标记。
func NewAudioFrame(chunk []byte, seq int32, last bool) (*Frame, error) {
	compressed, err := gzipBytes(chunk)
	if err != nil {
		return nil, err
	}
	flags := PositiveSequence
	if last {
		flags = NegativeSequence
		seq = -seq
	}
	return &Frame{
		Header:   Header{HeaderSize: 1, MessageType: AudioOnlyRequest, Flags: flags, Serialization: RawSerialization, Compression: GzipCompression},
		Sequence: seq,
		Payload:  compressed,
	}, nil
}

// Body returns the decompressed payload.
func (f *Frame) Body() ([]byte, error) {
	switch f.Header.Compression {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		return gunzipBytes(f.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression: %d", f.Header.Compression)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
