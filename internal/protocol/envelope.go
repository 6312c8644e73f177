// Package protocol defines the chat envelope and its self-delimited wire
// record, shared by the server sessions and the client library.
package protocol

import (
	"fmt"
	"math"
)

// Kind discriminates the envelope variants. Exactly one kind is carried per
// envelope; the payload fields that are meaningful depend on it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindReportRequest
	KindReportResponse
	KindJoinRequest
	KindJoinAccept
	KindJoinReject
	KindNewUser
	KindQuitRequest
	KindQuitAccept
	KindChatText
	// KindAttachment is reserved. It round-trips through the codec but no
	// server path acts on it.
	KindAttachment
)

var kindNames = map[Kind]string{
	KindReportRequest:  "ReportRequest",
	KindReportResponse: "ReportResponse",
	KindJoinRequest:    "JoinRequest",
	KindJoinAccept:     "JoinAccept",
	KindJoinReject:     "JoinReject",
	KindNewUser:        "NewUser",
	KindQuitRequest:    "QuitRequest",
	KindQuitAccept:     "QuitAccept",
	KindChatText:       "ChatText",
	KindAttachment:     "Attachment",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// FromClient reports whether clients are allowed to send this kind.
func (k Kind) FromClient() bool {
	switch k {
	case KindReportRequest, KindJoinRequest, KindQuitRequest, KindChatText:
		return true
	}
	return false
}

// Envelope is one protocol message.
//
// Username is the subject of the message (joiner, leaver, chat author),
// Text carries the human-readable payload (roster, history, reason,
// announcement or chat line) and Count is the roster size in a report.
// Filename and Length belong to the reserved attachment kind.
type Envelope struct {
	Kind     Kind
	Username string
	Filename string
	Text     string
	Count    int
	Length   int
}

// ReportRequest asks for the current roster.
func ReportRequest() Envelope {
	return Envelope{Kind: KindReportRequest}
}

// ReportResponse answers a ReportRequest.
func ReportResponse(count int, roster string) Envelope {
	return Envelope{Kind: KindReportResponse, Count: count, Text: roster}
}

// JoinRequest asks to join the room as username.
func JoinRequest(username string) Envelope {
	return Envelope{Kind: KindJoinRequest, Username: username}
}

// JoinAccept confirms a join and carries the history snapshot.
func JoinAccept(username, history string) Envelope {
	return Envelope{Kind: KindJoinAccept, Username: username, Text: history}
}

// JoinReject refuses a join with a human-readable reason.
func JoinReject(reason string) Envelope {
	return Envelope{Kind: KindJoinReject, Text: reason}
}

// NewUser announces a member that just joined.
func NewUser(username string) Envelope {
	return Envelope{Kind: KindNewUser, Username: username, Text: username + " joined the chatroom."}
}

// QuitRequest asks to leave the room and close the connection.
func QuitRequest(username string) Envelope {
	return Envelope{Kind: KindQuitRequest, Username: username}
}

// QuitAccept announces a member that left.
func QuitAccept(username string) Envelope {
	return Envelope{Kind: KindQuitAccept, Username: username, Text: username + " left the chatroom."}
}

// ChatText is a chat line. Clients send the bare text; the server fills in
// the author and prefixes the text with it before broadcasting.
func ChatText(author, text string) Envelope {
	return Envelope{Kind: KindChatText, Username: author, Text: text}
}

// Validate checks that the fields required by the envelope's kind are set.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return &ProtocolError{Kind: e.Kind, Reason: "unknown kind"}
	}
	switch e.Kind {
	case KindJoinRequest, KindJoinAccept, KindNewUser, KindQuitAccept:
		if e.Username == "" {
			return &ProtocolError{Kind: e.Kind, Reason: "username is required"}
		}
	case KindJoinReject, KindChatText:
		if e.Text == "" {
			return &ProtocolError{Kind: e.Kind, Reason: "text is required"}
		}
	}
	if e.Count < 0 || e.Count > math.MaxInt32 || e.Length < 0 || e.Length > math.MaxInt32 {
		return &ProtocolError{Kind: e.Kind, Reason: "count or length out of range"}
	}
	return nil
}
