package room

import (
	"fmt"
	"strings"
	"time"
)

// HistoryTimeLayout is the timestamp layout used in rendered history lines.
const HistoryTimeLayout = "2006-01-02 15:04:05"

// Reason explains why the broker refused an operation. Refusals are normal
// protocol outcomes, not errors.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAtCapacity
	ReasonUsernameTaken
	ReasonNotJoined
	ReasonInvalidUsername
	ReasonAlreadyJoined
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAtCapacity:
		return "at_capacity"
	case ReasonUsernameTaken:
		return "username_taken"
	case ReasonNotJoined:
		return "not_joined"
	case ReasonInvalidUsername:
		return "invalid_username"
	case ReasonAlreadyJoined:
		return "already_joined"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Message is the text sent to the client in a JoinReject.
func (r Reason) Message() string {
	switch r {
	case ReasonAtCapacity:
		return "Chatroom at full capacity."
	case ReasonUsernameTaken:
		return "Username already in use."
	case ReasonNotJoined:
		return "Not a member of the chatroom."
	case ReasonInvalidUsername:
		return fmt.Sprintf("Username must be 1 to %d characters without control characters or '@'.", MaxUsernameRunes)
	case ReasonAlreadyJoined:
		return "Already in the chatroom."
	default:
		return "Request rejected."
	}
}

// JoinResult is the outcome of Broker.Join.
type JoinResult struct {
	Accepted bool
	Reason   Reason
	// Username is the display name the member was admitted under.
	Username string
	// History is the snapshot sent to the joiner, taken before the join line.
	// The oldest entries are left out when the rendering would not fit in
	// one record.
	History []Entry
}

// PostResult is the outcome of Broker.Post.
type PostResult struct {
	Accepted bool
	Reason   Reason
}

// Entry is one history line.
type Entry struct {
	Time   time.Time
	Author string
	Text   string
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Time.Format(HistoryTimeLayout), e.Author, e.Text)
}

// RosterEntry describes one member in a report.
type RosterEntry struct {
	Username string    `json:"username"`
	Address  string    `json:"address"`
	JoinedAt time.Time `json:"joined_at"`
}

// Report is a roster snapshot.
type Report struct {
	Count   int           `json:"count"`
	Members []RosterEntry `json:"members"`
}

// Text renders the roster as username@address lines.
func (r Report) Text() string {
	lines := make([]string, len(r.Members))
	for i, m := range r.Members {
		lines[i] = m.Username + "@" + m.Address
	}
	return strings.Join(lines, "\n")
}
