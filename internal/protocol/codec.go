package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// HeaderSize is the length of the big-endian body length that prefixes every
// record.
const HeaderSize = 4

// MaxBodySize bounds what Encode produces; readers usually enforce a much
// smaller limit on inbound records.
const MaxBodySize = 16 << 20

const (
	fieldKind     protowire.Number = 1
	fieldUsername protowire.Number = 2
	fieldFilename protowire.Number = 3
	fieldText     protowire.Number = 4
	fieldCount    protowire.Number = 5
	fieldLength   protowire.Number = 6
)

// Keepalive is the zero-length record. Decoding it yields no message.
var Keepalive = []byte{0, 0, 0, 0}

// Encode serializes env into one self-delimited record. Fields are written
// in ascending field order and zero values are omitted, so equal envelopes
// always produce equal bytes.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	record := make([]byte, HeaderSize, HeaderSize+32+len(env.Username)+len(env.Filename)+len(env.Text))
	record = protowire.AppendTag(record, fieldKind, protowire.VarintType)
	record = protowire.AppendVarint(record, uint64(env.Kind))
	record = appendString(record, fieldUsername, env.Username)
	record = appendString(record, fieldFilename, env.Filename)
	record = appendString(record, fieldText, env.Text)
	record = appendUint(record, fieldCount, env.Count)
	record = appendUint(record, fieldLength, env.Length)

	body := len(record) - HeaderSize
	if body > MaxBodySize {
		return nil, &FramingError{Reason: fmt.Sprintf("body of %d bytes", body), Err: ErrRecordTooLarge}
	}
	binary.BigEndian.PutUint32(record[:HeaderSize], uint32(body))
	return record, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Decode parses one complete record. It returns ok=false with a nil error for
// a zero-length body, which peers use as a keepalive.
func Decode(record []byte) (env Envelope, ok bool, err error) {
	if len(record) < HeaderSize {
		return Envelope{}, false, &FramingError{Reason: fmt.Sprintf("record of %d bytes is shorter than its header", len(record))}
	}
	declared := binary.BigEndian.Uint32(record[:HeaderSize])
	body := record[HeaderSize:]
	if uint64(declared) != uint64(len(body)) {
		return Envelope{}, false, &FramingError{Reason: fmt.Sprintf("header declares %d bytes, record holds %d", declared, len(body))}
	}
	if len(body) == 0 {
		return Envelope{}, false, nil
	}

	env, err = decodeBody(body)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

func decodeBody(body []byte) (Envelope, error) {
	var env Envelope
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Envelope{}, &FramingError{Reason: "bad field tag", Err: protowire.ParseError(n)}
		}
		body = body[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Envelope{}, &FramingError{Reason: "bad kind", Err: protowire.ParseError(m)}
			}
			if v > math.MaxUint8 {
				return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("kind %d out of range", v)}
			}
			env.Kind = Kind(v)
			n = m
		case (num == fieldUsername || num == fieldFilename || num == fieldText) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Envelope{}, &FramingError{Reason: "bad string field", Err: protowire.ParseError(m)}
			}
			if !utf8.Valid(v) {
				return Envelope{}, &ProtocolError{Kind: env.Kind, Reason: fmt.Sprintf("field %d is not valid UTF-8", num)}
			}
			switch num {
			case fieldUsername:
				env.Username = string(v)
			case fieldFilename:
				env.Filename = string(v)
			default:
				env.Text = string(v)
			}
			n = m
		case (num == fieldCount || num == fieldLength) && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Envelope{}, &FramingError{Reason: "bad numeric field", Err: protowire.ParseError(m)}
			}
			if v > math.MaxInt32 {
				return Envelope{}, &ProtocolError{Kind: env.Kind, Reason: fmt.Sprintf("field %d out of range", num)}
			}
			if num == fieldCount {
				env.Count = int(v)
			} else {
				env.Length = int(v)
			}
			n = m
		default:
			// Unknown fields are skipped so newer peers can add to the envelope.
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Envelope{}, &FramingError{Reason: fmt.Sprintf("bad field %d", num), Err: protowire.ParseError(n)}
			}
		}
		body = body[n:]
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
