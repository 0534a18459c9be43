package gsb

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ReplyType tags a CallReply chunk (spec §4.1, §6): all but the last chunk
// of a streamed response are Partial, the final chunk is Full.
type ReplyType int

const (
	Full ReplyType = iota
	Partial
)

// PacketKind discriminates the oneof carried by the wire Packet (spec §6).
type PacketKind int

const (
	KindCallRequest PacketKind = iota
	KindCallReply
	KindBroadcastRequest
)

// CallRequest is the wire shape of an addressed RPC call.
type CallRequest struct {
	Caller    string
	Address   string
	RequestID string
	Data      []byte
}

// CallReply is one chunk of a call's response (possibly Partial).
type CallReply struct {
	RequestID string
	Code      ReplyCode
	ReplyType ReplyType
	Data      []byte
}

// BroadcastRequest is a best-effort fan-out message.
type BroadcastRequest struct {
	Caller string
	Topic  string
	Data   []byte
}

// Packet is the oneof envelope carried over the wire (spec §6). Field
// numbers below are encoded directly via protowire rather than through a
// protoc-generated type, since no protoc toolchain runs in this build.
type Packet struct {
	Kind      PacketKind
	Request   *CallRequest
	Reply     *CallReply
	Broadcast *BroadcastRequest
}

// Field numbers for the Packet oneof and its nested messages.
const (
	fieldPacketCallRequest      = 1
	fieldPacketCallReply        = 2
	fieldPacketBroadcastRequest = 3

	fieldReqCaller    = 1
	fieldReqAddress   = 2
	fieldReqRequestID = 3
	fieldReqData      = 4

	fieldRepRequestID = 1
	fieldRepCode      = 2
	fieldRepReplyType = 3
	fieldRepData      = 4

	fieldBcastCaller = 1
	fieldBcastTopic  = 2
	fieldBcastData   = 3
)

// Marshal encodes p using protobuf wire format.
func (p *Packet) Marshal() ([]byte, error) {
	var b []byte
	switch p.Kind {
	case KindCallRequest:
		if p.Request == nil {
			return nil, fmt.Errorf("gsb: CallRequest packet missing Request")
		}
		nested := marshalCallRequest(p.Request)
		b = protowire.AppendTag(b, fieldPacketCallRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case KindCallReply:
		if p.Reply == nil {
			return nil, fmt.Errorf("gsb: CallReply packet missing Reply")
		}
		nested := marshalCallReply(p.Reply)
		b = protowire.AppendTag(b, fieldPacketCallReply, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case KindBroadcastRequest:
		if p.Broadcast == nil {
			return nil, fmt.Errorf("gsb: BroadcastRequest packet missing Broadcast")
		}
		nested := marshalBroadcast(p.Broadcast)
		b = protowire.AppendTag(b, fieldPacketBroadcastRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	default:
		return nil, fmt.Errorf("gsb: unknown packet kind %d", p.Kind)
	}
	return b, nil
}

func marshalCallRequest(r *CallRequest) []byte {
	var b []byte
	b = appendStringField(b, fieldReqCaller, r.Caller)
	b = appendStringField(b, fieldReqAddress, r.Address)
	b = appendStringField(b, fieldReqRequestID, r.RequestID)
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldReqData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b
}

func marshalCallReply(r *CallReply) []byte {
	var b []byte
	b = appendStringField(b, fieldRepRequestID, r.RequestID)
	b = protowire.AppendTag(b, fieldRepCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Code))
	b = protowire.AppendTag(b, fieldRepReplyType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ReplyType))
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldRepData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b
}

func marshalBroadcast(r *BroadcastRequest) []byte {
	var b []byte
	b = appendStringField(b, fieldBcastCaller, r.Caller)
	b = appendStringField(b, fieldBcastTopic, r.Topic)
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldBcastData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

// UnmarshalPacket decodes a Packet from its wire form.
func UnmarshalPacket(b []byte) (*Packet, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("gsb: malformed packet tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("gsb: unexpected wire type %v for packet field %d", typ, num)
		}
		nested, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("gsb: malformed packet payload: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldPacketCallRequest:
			req, err := unmarshalCallRequest(nested)
			if err != nil {
				return nil, err
			}
			return &Packet{Kind: KindCallRequest, Request: req}, nil
		case fieldPacketCallReply:
			rep, err := unmarshalCallReply(nested)
			if err != nil {
				return nil, err
			}
			return &Packet{Kind: KindCallReply, Reply: rep}, nil
		case fieldPacketBroadcastRequest:
			bc, err := unmarshalBroadcast(nested)
			if err != nil {
				return nil, err
			}
			return &Packet{Kind: KindBroadcastRequest, Broadcast: bc}, nil
		default:
			return nil, fmt.Errorf("gsb: unknown packet field %d", num)
		}
	}
	return nil, fmt.Errorf("gsb: empty packet")
}

func unmarshalCallRequest(b []byte) (*CallRequest, error) {
	r := &CallRequest{}
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		var payload []byte
		payload, b, err = consumeValue(b, typ)
		if err != nil {
			return nil, err
		}
		switch num {
		case fieldReqCaller:
			r.Caller = string(payload)
		case fieldReqAddress:
			r.Address = string(payload)
		case fieldReqRequestID:
			r.RequestID = string(payload)
		case fieldReqData:
			r.Data = payload
		}
	}
	return r, nil
}

func unmarshalCallReply(b []byte) (*CallReply, error) {
	r := &CallReply{}
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch num {
		case fieldRepCode, fieldRepReplyType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("gsb: malformed varint field %d", num)
			}
			b = b[n:]
			if num == fieldRepCode {
				r.Code = ReplyCode(v)
			} else {
				r.ReplyType = ReplyType(v)
			}
		default:
			var payload []byte
			var err error
			payload, b, err = consumeValue(b, typ)
			if err != nil {
				return nil, err
			}
			if num == fieldRepRequestID {
				r.RequestID = string(payload)
			} else if num == fieldRepData {
				r.Data = payload
			}
		}
	}
	return r, nil
}

func unmarshalBroadcast(b []byte) (*BroadcastRequest, error) {
	r := &BroadcastRequest{}
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		var payload []byte
		payload, b, err = consumeValue(b, typ)
		if err != nil {
			return nil, err
		}
		switch num {
		case fieldBcastCaller:
			r.Caller = string(payload)
		case fieldBcastTopic:
			r.Topic = string(payload)
		case fieldBcastData:
			r.Data = payload
		}
	}
	return r, nil
}

func consumeField(b []byte) (protowire.Number, protowire.Type, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, fmt.Errorf("gsb: malformed field tag: %w", protowire.ParseError(n))
	}
	return num, typ, n, nil
}

func consumeValue(b []byte, typ protowire.Type) (payload []byte, rest []byte, err error) {
	switch typ {
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("gsb: malformed bytes field: %w", protowire.ParseError(n))
		}
		return v, b[n:], nil
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("gsb: malformed varint field: %w", protowire.ParseError(n))
		}
		return []byte(fmt.Sprintf("%d", v)), b[n:], nil
	default:
		return nil, nil, fmt.Errorf("gsb: unsupported wire type %v", typ)
	}
}

// WriteFramed writes a length-prefixed packet: a 4-byte big-endian length
// followed by the encoded Packet (spec §2's overlay, §6's envelope).
func WriteFramed(w io.Writer, p *Packet) error {
	body, err := p.Marshal()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFramed reads one length-prefixed Packet from r.
func ReadFramed(r io.Reader) (*Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return UnmarshalPacket(body)
}
