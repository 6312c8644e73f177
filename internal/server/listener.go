// Package server accepts framed TCP connections and hands each one to a new
// session, retrying temporary accept failures.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// acceptLoop accepts TCP connections until ctx is done, starting a session
// for each. Temporary accept failures are retried with capped exponential
// backoff; there is no limit on concurrent connections.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warnf("error closing listener: %v", err)
		}
	})
	defer stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			wait := retry.NextBackOff()
			s.log.Warnf("accept error: %v; retrying in %s", err, wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		s.startSession(newTCPConn(conn, s.cfg.MaxRecordSize))
	}
}
