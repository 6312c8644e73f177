// Package client is a Go client for the chat protocol. A Client owns one
// connection; a Reconnector keeps a Client alive across disconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// ErrClosed is returned by sends on a closed Client.
var ErrClosed = errors.New("client closed")

// Options configures a Client.
type Options struct {
	// KeepaliveInterval is how often an empty record is sent so the server's
	// idle timeout does not fire. Zero disables keepalives.
	KeepaliveInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxRecordSize     int
	EventBuffer       int
	Logger            logger.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = protocol.MaxBodySize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 32
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// Client is one connection to a chat server.
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	opts   Options
	log    logger.Logger

	writeMu sync.Mutex

	events    chan protocol.Envelope
	closing   chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to addr and starts receiving.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:   conn,
		reader: protocol.NewReader(conn, opts.MaxRecordSize),
		opts:   opts,
		log:    opts.Logger.With("client " + addr),
		events:  make(chan protocol.Envelope, opts.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	if opts.KeepaliveInterval > 0 {
		go c.keepaliveLoop()
	}
	return c, nil
}

// Events delivers envelopes from the server in arrival order. It is closed
// when the connection ends.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil for a clean close. Only
// meaningful after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// LocalAddr returns the client side of the connection, as it appears in
// server reports.
func (c *Client) LocalAddr() string { return c.conn.LocalAddr().String() }

// Report asks for the roster.
func (c *Client) Report() error { return c.Send(protocol.ReportRequest()) }

// Join asks to join the room as username.
func (c *Client) Join(username string) error { return c.Send(protocol.JoinRequest(username)) }

// Say posts a chat line.
func (c *Client) Say(text string) error { return c.Send(protocol.ChatText("", text)) }

// Quit leaves the room; the server then closes the connection.
func (c *Client) Quit(username string) error { return c.Send(protocol.QuitRequest(username)) }

// Send writes one envelope.
func (c *Client) Send(env protocol.Envelope) error {
	record, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.write(record)
}

func (c *Client) write(record []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(record); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close ends the connection and waits for the receiver to stop.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.closeOnce.Do(func() {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.err = err
			close(c.events)
			close(c.done)
		})
	}()

	for {
		var env protocol.Envelope
		env, err = c.reader.ReadEnvelope()
		if err != nil {
			c.log.Debugf("connection ended: %v", err)
			return
		}
		select {
		case c.events <- env:
		case <-c.closing:
			err = nil
			return
		}
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(protocol.Keepalive); err != nil {
				c.log.Debugf("keepalive failed: %v", err)
				return
			}
		}
	}
}
