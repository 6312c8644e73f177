package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

type fakeMember struct {
	addr string

	mu      sync.Mutex
	got     []protocol.Envelope
	full    bool
	evicted []string
}

func newFakeMember(addr string) *fakeMember {
	return &fakeMember{addr: addr}
}

func (f *fakeMember) Deliver(env protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.got = append(f.got, env)
	return true
}

func (f *fakeMember) Evict(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, reason)
}

func (f *fakeMember) RemoteAddr() string { return f.addr }

func (f *fakeMember) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.got...)
}

func (f *fakeMember) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = nil
}

func (f *fakeMember) setFull(full bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = full
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestBroker(capacity int) *Broker {
	return NewBroker(Options{
		Capacity: capacity,
		Now:      func() time.Time { return fixedNow },
	})
}

func mustJoin(t *testing.T, b *Broker, name string, m Member) {
	t.Helper()
	res := b.Join(context.Background(), name, m)
	require.True(t, res.Accepted, "join %s: %s", name, res.Reason)
}

func TestJoinUpToCapacity(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()

	for i, name := range []string{"alice", "bob", "carol"} {
		m := newFakeMember(fmt.Sprintf("127.0.0.1:%d", 5000+i))
		res := b.Join(ctx, name, m)
		require.True(t, res.Accepted)
		got := m.envelopes()
		require.NotEmpty(t, got)
		assert.Equal(t, protocol.KindJoinAccept, got[0].Kind)
		assert.Equal(t, name, got[0].Username)
	}

	res := b.Join(ctx, "dave", newFakeMember("127.0.0.1:5003"))
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonAtCapacity, res.Reason)
	assert.Equal(t, 3, b.Report(ctx).Count)
}

func TestJoinRejectsTakenUsername(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("127.0.0.1:5000")
	mustJoin(t, b, "alice", alice)
	alice.reset()

	for _, name := range []string{"alice", "ALICE", "  Alice "} {
		res := b.Join(ctx, name, newFakeMember("127.0.0.1:6000"))
		assert.False(t, res.Accepted)
		assert.Equal(t, ReasonUsernameTaken, res.Reason, name)
	}

	assert.Empty(t, alice.envelopes())
	report := b.Report(ctx)
	assert.Equal(t, 1, report.Count)
	assert.Equal(t, "alice@127.0.0.1:5000", report.Text())
}

func TestJoinRejectsInvalidUsername(t *testing.T) {
	b := newTestBroker(3)
	for _, name := range []string{"", "   ", "bad\nname", "a@b", strings.Repeat("a", MaxUsernameRunes+1)} {
		res := b.Join(context.Background(), name, newFakeMember("x"))
		assert.Equal(t, ReasonInvalidUsername, res.Reason, "%q", name)
	}
}

func TestJoinTwiceFromSameMember(t *testing.T) {
	b := newTestBroker(3)
	m := newFakeMember("127.0.0.1:5000")
	mustJoin(t, b, "alice", m)

	res := b.Join(context.Background(), "alice2", m)
	assert.Equal(t, ReasonAlreadyJoined, res.Reason)
	assert.Equal(t, 1, b.Report(context.Background()).Count)
}

func TestJoinAnnouncesAndSendsHistory(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("127.0.0.1:5000")
	bob := newFakeMember("127.0.0.1:5001")

	mustJoin(t, b, "alice", alice)
	require.True(t, b.Post(ctx, alice, "first").Accepted)
	mustJoin(t, b, "bob", bob)

	got := bob.envelopes()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindJoinAccept, got[0].Kind)
	assert.Equal(t,
		"[2024-01-02 03:04:05] Server: alice joined the chatroom.\n[2024-01-02 03:04:05] alice: first",
		got[0].Text)

	last := alice.envelopes()[len(alice.envelopes())-1]
	assert.Equal(t, protocol.NewUser("bob"), last)

	history := b.History()
	require.Len(t, history, 3)
	assert.Equal(t, "bob joined the chatroom.", history[2].Text)
	assert.Equal(t, SystemAuthor, history[2].Author)
}

func TestPostReachesOnlyOtherMembers(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("127.0.0.1:5000")
	bob := newFakeMember("127.0.0.1:5001")
	outsider := newFakeMember("127.0.0.1:5002")
	mustJoin(t, b, "alice", alice)
	mustJoin(t, b, "bob", bob)
	alice.reset()
	bob.reset()

	res := b.Post(ctx, alice, "hello")
	require.True(t, res.Accepted)

	assert.Empty(t, alice.envelopes())
	assert.Empty(t, outsider.envelopes())
	require.Len(t, bob.envelopes(), 1)
	assert.Equal(t, protocol.ChatText("alice", "alice: hello"), bob.envelopes()[0])
}

func TestPostFromNonMember(t *testing.T) {
	b := newTestBroker(3)
	bob := newFakeMember("127.0.0.1:5001")
	mustJoin(t, b, "bob", bob)
	bob.reset()

	res := b.Post(context.Background(), newFakeMember("x"), "hi")
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonNotJoined, res.Reason)
	assert.Empty(t, bob.envelopes())
	assert.Len(t, b.History(), 1)
}

func TestLeaveBroadcastsAndFreesName(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("127.0.0.1:5000")
	bob := newFakeMember("127.0.0.1:5001")
	mustJoin(t, b, "alice", alice)
	mustJoin(t, b, "bob", bob)
	alice.reset()
	bob.reset()

	name, ok := b.Leave(ctx, alice)
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Empty(t, alice.envelopes())
	assert.Equal(t, []protocol.Envelope{protocol.QuitAccept("alice")}, bob.envelopes())

	report := b.Report(ctx)
	assert.Equal(t, 1, report.Count)
	assert.NotContains(t, report.Text(), "alice")

	again := newFakeMember("127.0.0.1:5009")
	mustJoin(t, b, "alice", again)
	assert.Equal(t, 2, b.Report(ctx).Count)
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	bob := newFakeMember("127.0.0.1:5001")
	mustJoin(t, b, "bob", bob)
	bob.reset()
	before := len(b.History())

	name, ok := b.Leave(ctx, newFakeMember("x"))
	assert.False(t, ok)
	assert.Empty(t, name)
	assert.Empty(t, bob.envelopes())
	assert.Len(t, b.History(), before)
}

func TestStaleLeaveKeepsNewerMember(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	old := newFakeMember("127.0.0.1:5000")
	fresh := newFakeMember("127.0.0.1:5001")

	mustJoin(t, b, "alice", old)
	assert.Equal(t, ReasonUsernameTaken, b.Join(ctx, "alice", fresh).Reason)

	_, ok := b.Leave(ctx, old)
	require.True(t, ok)
	mustJoin(t, b, "alice", fresh)

	_, ok = b.Leave(ctx, old)
	assert.False(t, ok)
	report := b.Report(ctx)
	require.Equal(t, 1, report.Count)
	assert.Equal(t, "127.0.0.1:5001", report.Members[0].Address)
}

func TestReportListsMembersInJoinOrder(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	assert.Equal(t, Report{Count: 0, Members: []RosterEntry{}}, b.Report(ctx))

	mustJoin(t, b, "carol", newFakeMember("10.0.0.3:1"))
	mustJoin(t, b, "alice", newFakeMember("10.0.0.1:1"))
	mustJoin(t, b, "bob", newFakeMember("10.0.0.2:1"))

	report := b.Report(ctx)
	assert.Equal(t, 3, report.Count)
	assert.Equal(t, "carol@10.0.0.3:1\nalice@10.0.0.1:1\nbob@10.0.0.2:1", report.Text())
}

func TestFailedDeliveryEvictsRecipientOnly(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("127.0.0.1:5000")
	bob := newFakeMember("127.0.0.1:5001")
	carol := newFakeMember("127.0.0.1:5002")
	mustJoin(t, b, "alice", alice)
	mustJoin(t, b, "bob", bob)
	mustJoin(t, b, "carol", carol)
	alice.reset()
	carol.reset()
	bob.setFull(true)

	res := b.Post(ctx, alice, "hello")
	require.True(t, res.Accepted)

	assert.Equal(t, []protocol.Envelope{
		protocol.ChatText("alice", "alice: hello"),
		protocol.QuitAccept("bob"),
	}, carol.envelopes())
	assert.Equal(t, []protocol.Envelope{protocol.QuitAccept("bob")}, alice.envelopes())
	assert.Len(t, bob.evicted, 1)
	assert.Equal(t, 2, b.Report(ctx).Count)
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	b := NewBroker(Options{Capacity: 2, HistoryLimit: 3, Now: func() time.Time { return fixedNow }})
	ctx := context.Background()
	alice := newFakeMember("a")
	mustJoin(t, b, "alice", alice)
	for i := 0; i < 5; i++ {
		require.True(t, b.Post(ctx, alice, fmt.Sprintf("m%d", i)).Accepted)
	}

	history := b.History()
	require.Len(t, history, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{history[0].Text, history[1].Text, history[2].Text})
}

func TestConcurrentJoinsRespectCapacityAndUniqueness(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user%d", i%4)
			if b.Join(ctx, name, newFakeMember(fmt.Sprintf("10.0.0.%d:1", i))).Accepted {
				accepted.Add(1)
			}
			assert.LessOrEqual(t, b.Report(ctx).Count, 3)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), accepted.Load())
	report := b.Report(ctx)
	assert.Equal(t, 3, report.Count)
	seen := make(map[string]bool)
	for _, m := range report.Members {
		assert.False(t, seen[m.Username], "duplicate %s", m.Username)
		seen[m.Username] = true
	}
}

func TestHistoryOrderMatchesDeliveryOrder(t *testing.T) {
	b := newTestBroker(3)
	ctx := context.Background()
	alice := newFakeMember("a")
	bob := newFakeMember("b")
	observer := newFakeMember("o")
	mustJoin(t, b, "alice", alice)
	mustJoin(t, b, "bob", bob)
	mustJoin(t, b, "observer", observer)
	observer.reset()

	var wg sync.WaitGroup
	for _, m := range []*fakeMember{alice, bob} {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Post(ctx, m, fmt.Sprintf("%s-%d", m.addr, i))
			}
		}(m)
	}
	wg.Wait()

	var posted []string
	for _, e := range b.History() {
		if e.Author != SystemAuthor {
			posted = append(posted, e.Author+": "+e.Text)
		}
	}
	var delivered []string
	for _, env := range observer.envelopes() {
		delivered = append(delivered, env.Text)
	}
	require.Len(t, posted, 100)
	assert.Equal(t, posted, delivered)
}

func TestJoinSnapshotDropsOldestBeyondBudget(t *testing.T) {
	b := NewBroker(Options{
		Capacity:         3,
		Now:              func() time.Time { return fixedNow },
		MaxSnapshotBytes: 200,
	})
	poster := newFakeMember("10.0.0.1:1")
	mustJoin(t, b, "poster", poster)
	for i := range 10 {
		b.Post(context.Background(), poster, fmt.Sprintf("line %d", i))
	}

	late := newFakeMember("10.0.0.2:1")
	res := b.Join(context.Background(), "late", late)
	require.True(t, res.Accepted)

	require.NotEmpty(t, res.History)
	assert.Less(t, len(res.History), 11)
	assert.Equal(t, "line 9", res.History[len(res.History)-1].Text)

	got := late.envelopes()
	require.NotEmpty(t, got)
	assert.Equal(t, protocol.KindJoinAccept, got[0].Kind)
	assert.Equal(t, FormatHistory(res.History), got[0].Text)
	assert.LessOrEqual(t, len(got[0].Text), 200-snapshotOverhead-len("late"))
}

func TestJoinAcceptEncodesWithUnboundedHistory(t *testing.T) {
	b := NewBroker(Options{Capacity: 3, HistoryLimit: 0, Now: func() time.Time { return fixedNow }})
	poster := newFakeMember("10.0.0.1:1")
	mustJoin(t, b, "poster", poster)

	line := strings.Repeat("x", 4000)
	for range protocol.MaxBodySize/4000 + 100 {
		b.Post(context.Background(), poster, line)
	}

	late := newFakeMember("10.0.0.2:1")
	require.True(t, b.Join(context.Background(), "late", late).Accepted)

	got := late.envelopes()
	require.NotEmpty(t, got)
	require.Equal(t, protocol.KindJoinAccept, got[0].Kind)
	record, err := protocol.Encode(got[0])
	require.NoError(t, err)
	assert.LessOrEqual(t, len(record)-protocol.HeaderSize, protocol.MaxBodySize)
	assert.True(t, strings.HasSuffix(got[0].Text, "poster: "+line))
}
