// Package server abstracts TCP and WebSocket connections behind a record
// oriented Conn and filters benign close errors.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Conn carries whole records between the server and one peer, whatever the
// transport underneath.
type Conn interface {
	// ReadRecord returns the next complete record, header included.
	ReadRecord() ([]byte, error)
	// WriteRecord writes one encoded record.
	WriteRecord(record []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// tcpConn frames records over a raw stream.
type tcpConn struct {
	conn   net.Conn
	reader *protocol.Reader
}

func newTCPConn(conn net.Conn, maxRecordSize int) *tcpConn {
	return &tcpConn{conn: conn, reader: protocol.NewReader(conn, maxRecordSize)}
}

func (c *tcpConn) ReadRecord() ([]byte, error) { return c.reader.ReadRecord() }

func (c *tcpConn) WriteRecord(record []byte) error {
	_, err := c.conn.Write(record)
	return err
}

func (c *tcpConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *tcpConn) Close() error                       { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }

// wsConn carries one record per binary WebSocket message.
type wsConn struct {
	conn *websocket.Conn
	addr string
}

func newWSConn(conn *websocket.Conn, addr string, maxRecordSize int) *wsConn {
	conn.SetReadLimit(int64(protocol.HeaderSize + maxRecordSize))
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &wsConn{conn: conn, addr: addr}
}

func (c *wsConn) ReadRecord() ([]byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, &protocol.FramingError{Reason: "websocket message too large", Err: protocol.ErrRecordTooLarge}
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, &protocol.FramingError{Reason: "expected a binary websocket message"}
	}
	return data, nil
}

func (c *wsConn) WriteRecord(record []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, record)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string                 { return c.addr }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
