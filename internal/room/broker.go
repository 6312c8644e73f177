// Package room implements the room broker: the single authority over chat
// membership, chat history and broadcast fan-out.
//
// Every operation runs under one mutex, so join, leave, post and report are
// indivisible with respect to each other. Reactions are handed to members
// through Member.Deliver, which only enqueues; the network writes happen later
// on each member's own writer, never while the broker lock is held.
package room

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// DefaultCapacity is the number of members a room admits when no capacity is
// configured.
const DefaultCapacity = 3

// SystemAuthor is the author recorded for join and leave history lines.
const SystemAuthor = "Server"

const tracerName = "github.com/Tyrowin/roomchat/internal/room"

// Member is a joined (or joining) connection as seen by the broker.
type Member interface {
	// Deliver enqueues env for the member and must not block. It returns
	// false when the member can no longer accept envelopes.
	Deliver(env protocol.Envelope) bool
	// Evict tears down the member's connection after a failed delivery.
	Evict(reason string)
	// RemoteAddr is the peer address shown in reports.
	RemoteAddr() string
}

// Options configures a Broker.
type Options struct {
	Capacity int
	// HistoryLimit caps retained history entries; zero keeps everything.
	HistoryLimit int
	Logger       logger.Logger
	// Now overrides the clock used for history timestamps.
	Now func() time.Time
	// MaxSnapshotBytes bounds the rendered history sent in a JoinAccept.
	// Zero means the largest body the codec will encode.
	MaxSnapshotBytes int
}

// snapshotOverhead covers the JoinAccept kind, tags and length varints.
const snapshotOverhead = 32

type membership struct {
	member   Member
	username string
	key      string
	addr     string
	joinedAt time.Time
	seq      uint64
}

// Broker owns the room state.
type Broker struct {
	mu           sync.Mutex
	capacity     int
	historyLimit int
	maxSnapshot  int
	roster       map[string]*membership
	byMember     map[Member]*membership
	history      []Entry
	seq          uint64

	now    func() time.Time
	log    logger.Logger
	tracer trace.Tracer
}

// NewBroker creates an empty room.
func NewBroker(opts Options) *Broker {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxSnapshotBytes <= 0 || opts.MaxSnapshotBytes > protocol.MaxBodySize {
		opts.MaxSnapshotBytes = protocol.MaxBodySize
	}
	return &Broker{
		capacity:     opts.Capacity,
		historyLimit: opts.HistoryLimit,
		maxSnapshot:  opts.MaxSnapshotBytes,
		roster:       make(map[string]*membership),
		byMember:     make(map[Member]*membership),
		now:          opts.Now,
		log:          opts.Logger.With("room"),
		tracer:       otel.Tracer(tracerName),
	}
}

// Capacity returns the maximum number of simultaneous members.
func (b *Broker) Capacity() int {
	return b.capacity
}

// Join admits m under username. Capacity, uniqueness and the roster insert
// are one step. On acceptance the joiner's JoinAccept is queued before any
// other envelope can reach it, the other members are sent NewUser and a
// system line is appended to history.
func (b *Broker) Join(ctx context.Context, username string, m Member) JoinResult {
	_, span := b.tracer.Start(ctx, "room.Join", trace.WithAttributes(attribute.String("chat.username", username)))
	defer span.End()

	display, key, ok := normalizeUsername(username)
	if !ok {
		span.SetAttributes(attribute.String("chat.outcome", ReasonInvalidUsername.String()))
		return JoinResult{Reason: ReasonInvalidUsername}
	}

	b.mu.Lock()
	if reason := b.admissible(key, m); reason != ReasonNone {
		size := len(b.roster)
		b.mu.Unlock()
		span.SetAttributes(
			attribute.String("chat.outcome", reason.String()),
			attribute.Int("chat.roster.size", size),
		)
		return JoinResult{Reason: reason}
	}

	now := b.now()
	b.seq++
	ms := &membership{
		member:   m,
		username: display,
		key:      key,
		addr:     m.RemoteAddr(),
		joinedAt: now,
		seq:      b.seq,
	}
	b.roster[key] = ms
	b.byMember[m] = ms

	history, rendered := b.snapshot(b.maxSnapshot - snapshotOverhead - len(display))
	var failed []Member
	if !m.Deliver(protocol.JoinAccept(display, rendered)) {
		failed = append(failed, m)
	}
	failed = append(failed, b.fanout(protocol.NewUser(display), m)...)
	b.appendHistory(Entry{Time: now, Author: SystemAuthor, Text: display + " joined the chatroom."})
	size := len(b.roster)
	b.mu.Unlock()

	span.SetAttributes(
		attribute.String("chat.outcome", "accepted"),
		attribute.Int("chat.roster.size", size),
	)
	b.log.Infof("%s joined from %s (%d/%d)", display, ms.addr, size, b.capacity)
	b.evict(ctx, failed)
	return JoinResult{Accepted: true, Username: display, History: history}
}

func (b *Broker) admissible(key string, m Member) Reason {
	if _, ok := b.byMember[m]; ok {
		return ReasonAlreadyJoined
	}
	if len(b.roster) >= b.capacity {
		return ReasonAtCapacity
	}
	if _, taken := b.roster[key]; taken {
		return ReasonUsernameTaken
	}
	return ReasonNone
}

// Leave removes m from the roster. Membership is matched by identity, so a
// late Leave from a replaced connection never removes a newer member that
// re-joined under the same username. It reports the username that left; a
// non-member is a no-op and produces no broadcast.
func (b *Broker) Leave(ctx context.Context, m Member) (string, bool) {
	_, span := b.tracer.Start(ctx, "room.Leave")
	defer span.End()

	b.mu.Lock()
	ms, ok := b.byMember[m]
	if !ok {
		b.mu.Unlock()
		span.SetAttributes(attribute.Bool("chat.member", false))
		return "", false
	}
	delete(b.byMember, m)
	delete(b.roster, ms.key)

	failed := b.fanout(protocol.QuitAccept(ms.username), m)
	b.appendHistory(Entry{Time: b.now(), Author: SystemAuthor, Text: ms.username + " left the chatroom."})
	size := len(b.roster)
	b.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("chat.member", true),
		attribute.String("chat.username", ms.username),
		attribute.Int("chat.roster.size", size),
	)
	b.log.Infof("%s left (%d/%d)", ms.username, size, b.capacity)
	b.evict(ctx, failed)
	return ms.username, true
}

// Post appends a chat line from m to history and queues it to every other
// member. The sender never receives its own line.
func (b *Broker) Post(ctx context.Context, m Member, text string) PostResult {
	_, span := b.tracer.Start(ctx, "room.Post")
	defer span.End()

	b.mu.Lock()
	ms, ok := b.byMember[m]
	if !ok {
		b.mu.Unlock()
		span.SetAttributes(attribute.String("chat.outcome", ReasonNotJoined.String()))
		return PostResult{Reason: ReasonNotJoined}
	}
	b.appendHistory(Entry{Time: b.now(), Author: ms.username, Text: text})
	failed := b.fanout(protocol.ChatText(ms.username, ms.username+": "+text), m)
	recipients := len(b.roster) - 1
	b.mu.Unlock()

	span.SetAttributes(
		attribute.String("chat.outcome", "accepted"),
		attribute.String("chat.username", ms.username),
		attribute.Int("chat.recipients", recipients),
	)
	b.evict(ctx, failed)
	return PostResult{Accepted: true}
}

// Report snapshots the roster in join order. Membership is not required.
func (b *Broker) Report(ctx context.Context) Report {
	_, span := b.tracer.Start(ctx, "room.Report")
	defer span.End()

	b.mu.Lock()
	joined := make([]membership, 0, len(b.roster))
	for _, ms := range b.roster {
		joined = append(joined, *ms)
	}
	b.mu.Unlock()

	sort.Slice(joined, func(i, j int) bool { return joined[i].seq < joined[j].seq })
	members := make([]RosterEntry, len(joined))
	for i, ms := range joined {
		members[i] = RosterEntry{Username: ms.username, Address: ms.addr, JoinedAt: ms.joinedAt}
	}
	span.SetAttributes(attribute.Int("chat.roster.size", len(members)))
	return Report{Count: len(members), Members: members}
}

// History returns a copy of the retained history.
func (b *Broker) History() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.history...)
}

// snapshot copies the newest history entries whose rendering fits in budget
// bytes, oldest first. Callers hold b.mu.
func (b *Broker) snapshot(budget int) ([]Entry, string) {
	start := len(b.history)
	size := 0
	for start > 0 {
		line := len(b.history[start-1].String())
		if start < len(b.history) {
			line++ // newline separator
		}
		if size+line > budget {
			break
		}
		size += line
		start--
	}
	if start > 0 {
		b.log.Warnf("join snapshot truncated to the newest %d of %d history entries", len(b.history)-start, len(b.history))
	}
	history := append([]Entry(nil), b.history[start:]...)
	return history, FormatHistory(history)
}

// fanout queues env to every member except exclude and returns the members
// that could not take it. Callers hold b.mu.
func (b *Broker) fanout(env protocol.Envelope, exclude Member) []Member {
	var failed []Member
	for m := range b.byMember {
		if m == exclude {
			continue
		}
		if !m.Deliver(env) {
			failed = append(failed, m)
		}
	}
	return failed
}

// appendHistory records e, dropping the oldest entries beyond the limit.
// Callers hold b.mu.
func (b *Broker) appendHistory(e Entry) {
	b.history = append(b.history, e)
	if b.historyLimit > 0 && len(b.history) > b.historyLimit {
		drop := len(b.history) - b.historyLimit
		n := copy(b.history, b.history[drop:])
		clear(b.history[n:])
		b.history = b.history[:n]
	}
}

// evict disconnects members whose delivery failed and runs each through the
// regular leave path so the rest of the room hears about the departure.
func (b *Broker) evict(ctx context.Context, failed []Member) {
	for _, m := range failed {
		m.Evict("send queue full")
		if name, ok := b.Leave(ctx, m); ok {
			b.log.Warnf("evicted %s after failed delivery", name)
		}
	}
}

// FormatHistory renders entries one per line, oldest first.
func FormatHistory(entries []Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}
