package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

const testTimeout = 2 * time.Second

type testServer struct {
	srv     *Server
	addr    string
	gateway string
	cancel  context.CancelFunc
	errc    chan error
}

// startTestServer runs a Server on loopback listeners until the test ends.
func startTestServer(t *testing.T, withGateway bool, mutate func(*Config)) *testServer {
	t.Helper()

	cfg := defaultConfig()
	cfg.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, logger.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{srv: srv, addr: ln.Addr().String(), errc: make(chan error, 1)}

	var gateway net.Listener
	if withGateway {
		gateway, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ts.gateway = gateway.Addr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() { ts.errc <- srv.Serve(ctx, ln, gateway) }()

	t.Cleanup(func() {
		ts.stop(t)
	})
	return ts
}

// stop cancels the server and returns what Serve returned. Safe to call twice.
func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.cancel()
	select {
	case err, ok := <-ts.errc:
		if ok {
			close(ts.errc)
		}
		return err
	case <-time.After(ts.srv.cfg.ShutdownTimeout + testTimeout):
		t.Fatal("server did not stop")
		return nil
	}
}

// peer is a raw protocol client.
type peer struct {
	t      *testing.T
	conn   net.Conn
	reader *protocol.Reader
}

func dialPeer(t *testing.T, addr string) *peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, reader: protocol.NewReader(conn, protocol.MaxBodySize)}
}

func (p *peer) send(env protocol.Envelope) {
	p.t.Helper()
	record, err := protocol.Encode(env)
	require.NoError(p.t, err)
	p.write(record)
}

func (p *peer) write(b []byte) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *peer) next() (protocol.Envelope, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		return protocol.Envelope{}, err
	}
	return p.reader.ReadEnvelope()
}

// expect reads the next envelope and requires it to have the given kind.
func (p *peer) expect(kind protocol.Kind) protocol.Envelope {
	p.t.Helper()
	env, err := p.next()
	require.NoError(p.t, err, "waiting for %s", kind)
	require.Equal(p.t, kind, env.Kind, "unexpected envelope %+v", env)
	return env
}

// expectClosed reads until the server closes the connection, skipping any
// envelopes still in flight.
func (p *peer) expectClosed() {
	p.t.Helper()
	for {
		_, err := p.next()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			p.t.Fatal("connection was not closed")
		}
		if errors.Is(err, io.EOF) || isExpectedCloseError(err) || protocol.IsFramingError(err) {
			return
		}
		require.NoError(p.t, err)
	}
}

// join sends a JoinRequest and requires it to be accepted.
func (p *peer) join(name string) protocol.Envelope {
	p.t.Helper()
	p.send(protocol.JoinRequest(name))
	return p.expect(protocol.KindJoinAccept)
}

// sync round-trips a report so everything sent before it has been handled.
func (p *peer) sync() protocol.Envelope {
	p.t.Helper()
	p.send(protocol.ReportRequest())
	return p.expect(protocol.KindReportResponse)
}
