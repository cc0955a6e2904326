package relay

import (
	"fmt"
	"strings"
	"time"
)

// AuthRequest is the payload for POST /login and POST /signup.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned from POST /login and POST /signup.
type AuthResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// APIError is the relay's error envelope: a reason string under "detail".
type APIError struct {
	Detail string `json:"detail"`
}

// User is a roster entry: a peer identity and its last known presence.
type User struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// UserListResponse is returned from GET /users.
type UserListResponse struct {
	Users []User `json:"users"`
}

// Message is one direct message between two identities. Attachment
// fields ride inline on the wire; FileData carries the base64 text form
// produced by the relay's upload endpoint.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
	FileData  string    `json:"file_data,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	FileType  string    `json:"file_type,omitempty"`
}

// HasAttachment reports whether the message carries a binary attachment.
func (m Message) HasAttachment() bool {
	return m.FileName != ""
}

// Involves reports whether identity is one side of the message.
func (m Message) Involves(identity string) bool {
	return m.From == identity || m.To == identity
}

// HistoryResponse is returned from GET /messages/<self>/<peer>.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// Attachment is the transportable form of an uploaded binary payload,
// as returned from POST /upload. Data is base64 text; the raw bytes
// only exist server-side and at the receiving end after Decode.
type Attachment struct {
	Data     string `json:"file_data"`
	Name     string `json:"file_name"`
	MimeType string `json:"file_type"`
}

// PresenceEvent is the inbound frame announcing a peer's status change.
type PresenceEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// OutboundFrame is the single frame shape the client writes to the
// live channel.
type OutboundFrame struct {
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
	Content  string `json:"content"`
	FileData string `json:"file_data,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// presenceType is the discriminator value for presence frames. Frames
// without a "type" field are messages; that classification happens once
// in decodeFrame, nowhere else.
const presenceType = "user_status"

// timestampLayouts are the accepted wire formats. The relay emits naive
// ISO 8601 (no zone); RFC 3339 is accepted for robustness.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
}

// Timestamp wraps time.Time to tolerate the relay's zone-less ISO
// format. Ordering inside the client is arrival order, never timestamp
// order, so parsing is for display only.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}

	return []byte(`"` + t.Format(time.RFC3339Nano) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}

	return fmt.Errorf("unrecognized timestamp %q", s)
}
