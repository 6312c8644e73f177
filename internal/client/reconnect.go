package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// ErrNotConnected is returned by sends while no connection is up.
var ErrNotConnected = errors.New("not connected")

// ReconnectOptions configures a Reconnector.
type ReconnectOptions struct {
	Client Options
	// RetryInterval is the constant wait between dial attempts.
	RetryInterval time.Duration
	// MaxTries bounds consecutive failed dials; zero retries until the
	// context ends.
	MaxTries uint
}

// Reconnector keeps a connection to one server, redialing after it drops
// and re-joining under the last accepted username. Events from every
// connection are forwarded to a single channel.
type Reconnector struct {
	addr string
	opts ReconnectOptions
	log  logger.Logger

	mu       sync.Mutex
	current  *Client
	username string
	pending  string
	quitting bool

	events chan protocol.Envelope
}

// NewReconnector prepares a Reconnector for addr. Call Run to connect.
func NewReconnector(addr string, opts ReconnectOptions) *Reconnector {
	opts.Client = opts.Client.withDefaults()
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	return &Reconnector{
		addr:   addr,
		opts:   opts,
		log:    opts.Client.Logger.With("reconnect " + addr),
		events: make(chan protocol.Envelope, opts.Client.EventBuffer),
	}
}

// Events delivers envelopes from every connection in order. It is closed
// when Run returns.
func (r *Reconnector) Events() <-chan protocol.Envelope { return r.events }

// Username returns the name the room last accepted, if still joined.
func (r *Reconnector) Username() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username
}

// Run connects and keeps reconnecting until ctx ends, the user quits or
// dialing fails MaxTries times in a row.
func (r *Reconnector) Run(ctx context.Context) error {
	defer close(r.events)

	for {
		c, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.pump(ctx, c)
		_ = c.Close()

		r.mu.Lock()
		r.current = nil
		quitting := r.quitting
		r.mu.Unlock()

		if quitting || ctx.Err() != nil {
			return nil
		}
		r.log.Warnf("connection lost: %v; reconnecting", c.Err())
	}
}

func (r *Reconnector) connect(ctx context.Context) (*Client, error) {
	operation := func() (*Client, error) {
		return Dial(ctx, r.addr, r.opts.Client)
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryInterval)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.log.Warnf("%v; retrying in %s", err, wait)
		}),
	}
	if r.opts.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.opts.MaxTries))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(0))
	}
	c, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = c
	rejoin := r.username
	r.mu.Unlock()

	if rejoin != "" {
		r.log.Infof("re-joining as %s", rejoin)
		if err := r.Join(rejoin); err != nil {
			r.log.Warnf("re-join failed: %v", err)
		}
	}
	return c, nil
}

// pump forwards events from c until it closes, tracking join state.
func (r *Reconnector) pump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.Events():
			if !ok {
				return
			}
			r.observe(env)
			select {
			case r.events <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Reconnector) observe(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch env.Kind {
	case protocol.KindJoinAccept:
		r.username = env.Username
		r.pending = ""
	case protocol.KindJoinReject:
		if r.pending != "" && r.pending == r.username {
			// The re-join lost its name to someone else.
			r.username = ""
		}
		r.pending = ""
	}
}

func (r *Reconnector) send(env protocol.Envelope) error {
	r.mu.Lock()
	c := r.current
	r.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(env)
}

// Report asks for the roster.
func (r *Reconnector) Report() error { return r.send(protocol.ReportRequest()) }

// Join asks to join as username.
func (r *Reconnector) Join(username string) error {
	r.mu.Lock()
	r.pending = username
	r.mu.Unlock()
	return r.send(protocol.JoinRequest(username))
}

// Say posts a chat line.
func (r *Reconnector) Say(text string) error { return r.send(protocol.ChatText("", text)) }

// Quit leaves the room. Run returns once the server closes the connection.
func (r *Reconnector) Quit() error {
	r.mu.Lock()
	name := r.username
	r.username = ""
	r.quitting = true
	r.mu.Unlock()
	return r.send(protocol.QuitRequest(name))
}
