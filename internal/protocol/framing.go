package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxRecordSize is the inbound body limit used when a Reader is
// created with a non-positive limit.
const DefaultMaxRecordSize = 4096

// Reader splits a byte stream into records. A single Read on the underlying
// stream may return part of a record or several records; Reader reassembles
// them so that every ReadRecord call yields exactly one record.
type Reader struct {
	r       *bufio.Reader
	maxBody int
	header  [HeaderSize]byte
}

// NewReader wraps r. Records whose declared body exceeds maxBody are
// rejected with a FramingError.
func NewReader(r io.Reader, maxBody int) *Reader {
	if maxBody <= 0 {
		maxBody = DefaultMaxRecordSize
	}
	return &Reader{r: bufio.NewReader(r), maxBody: maxBody}
}

// ReadRecord returns the next complete record, header included.
//
// io.EOF is returned unchanged when the stream ends on a record boundary.
// A stream that ends inside a record is a FramingError.
func (r *Reader) ReadRecord() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Reason: "truncated header", Err: err}
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(r.header[:])
	if uint64(size) > uint64(r.maxBody) {
		return nil, &FramingError{Reason: fmt.Sprintf("declared body of %d bytes exceeds %d", size, r.maxBody), Err: ErrRecordTooLarge}
	}

	record := make([]byte, HeaderSize+int(size))
	copy(record, r.header[:])
	if _, err := io.ReadFull(r.r, record[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Reason: "truncated body", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	return record, nil
}

// ReadEnvelope reads records until one carries a message, skipping
// keepalives.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	for {
		record, err := r.ReadRecord()
		if err != nil {
			return Envelope{}, err
		}
		env, ok, err := Decode(record)
		if err != nil {
			return Envelope{}, err
		}
		if ok {
			return env, nil
		}
	}
}

// WriteEnvelope encodes env and writes it to w in a single Write call.
func WriteEnvelope(w io.Writer, env Envelope) error {
	record, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(record)
	return err
}
