package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"mini-rmi/message"
)

// BinaryCodec hand-encodes requests and responses with length-prefixed
// fields, all integers big-endian. Argument and result payloads stay JSON
// inside the binary envelope.
//
// Request layout:
//
//	[2B ifaceLen][iface][2B methodLen][method]
//	[2B paramCount]([2B len][type tag])...
//	[2B argCount]([4B len][json value])...
//
// Response layout:
//
//	[1B status][4B payloadLen][json payload]
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return encodeRequest(msg), nil
	case *message.Response:
		return encodeResponse(msg), nil
	default:
		return nil, errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return decodeRequest(data, msg)
	case *message.Response:
		return decodeResponse(data, msg)
	default:
		return errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func encodeRequest(msg *message.Request) []byte {
	total := 2 + len(msg.Interface) + 2 + len(msg.Method) + 2
	for _, p := range msg.ParamTypes {
		total += 2 + len(p)
	}
	total += 2
	for _, a := range msg.Args {
		total += 4 + len(a)
	}
	buf := make([]byte, 0, total)

	buf = appendString16(buf, msg.Interface)
	buf = appendString16(buf, msg.Method)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ParamTypes)))
	for _, p := range msg.ParamTypes {
		buf = appendString16(buf, p)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Args)))
	for _, a := range msg.Args {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}
	return buf
}

func encodeResponse(msg *message.Response) []byte {
	buf := make([]byte, 0, 1+4+len(msg.Payload))
	buf = append(buf, byte(msg.Status))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf
}

func decodeRequest(data []byte, msg *message.Request) error {
	r := reader{data: data}

	var err error
	if msg.Interface, err = r.string16(); err != nil {
		return err
	}
	if msg.Method, err = r.string16(); err != nil {
		return err
	}

	paramCount, err := r.uint16()
	if err != nil {
		return err
	}
	msg.ParamTypes = make([]string, paramCount)
	for i := range msg.ParamTypes {
		if msg.ParamTypes[i], err = r.string16(); err != nil {
			return err
		}
	}

	argCount, err := r.uint16()
	if err != nil {
		return err
	}
	msg.Args = make([]json.RawMessage, argCount)
	for i := range msg.Args {
		b, err := r.bytes32()
		if err != nil {
			return err
		}
		msg.Args[i] = json.RawMessage(b)
	}
	return nil
}

func decodeResponse(data []byte, msg *message.Response) error {
	r := reader{data: data}

	status, err := r.byte()
	if err != nil {
		return err
	}
	msg.Status = message.Status(status)

	payload, err := r.bytes32()
	if err != nil {
		return err
	}
	msg.Payload = json.RawMessage(payload)
	return nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

var errTruncated = errors.New("BinaryCodec: truncated message")

// reader is a bounds-checked cursor over the encoded bytes.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.offset+n > len(r.data) {
		return nil, errTruncated
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (int, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (r *reader) string16() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) bytes32() ([]byte, error) {
	b, err := r.take(4)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(b))
	src, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}
