// Package hub owns every real-time client socket terminated at the gateway:
// the subject index, per-socket write queues with the slow-consumer policy,
// the subscription state machine, and the publisher ingress that feeds
// broadcasts.
package hub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the category of real-time stream for a subject.
type Kind string

const (
	KindPosition        Kind = "position"
	KindStatus          Kind = "status"
	KindCommandResponse Kind = "command-response"
)

// ParseKind normalizes a wire kind, accepting the synonyms used by older
// drone-service clients.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "position", "pos":
		return KindPosition, true
	case "status", "stat":
		return KindStatus, true
	case "command-response", "command_response", "cmd-response", "cmd_response":
		return KindCommandResponse, true
	}
	return "", false
}

// ReadPermission returns the permission that grants subscribing to this kind.
func (k Kind) ReadPermission() string {
	switch k {
	case KindPosition:
		return "drone.position.read"
	case KindStatus:
		return "drone.status.read"
	case KindCommandResponse:
		return "drone.command.read"
	}
	return ""
}

// updateEvent returns the hub→client event name carrying this kind's data.
func (k Kind) updateEvent() string {
	switch k {
	case KindPosition:
		return "position-update"
	case KindStatus:
		return "status-update"
	case KindCommandResponse:
		return "command-response"
	}
	return "event"
}

// ParseSubjectKey resolves a client-supplied subject identifier. Both the
// canonical "drone-42" form and a bare numeric id are accepted; the canonical
// form and the numeric id are returned.
func ParseSubjectKey(s string) (key string, id int64, ok bool) {
	s = strings.TrimSpace(s)
	numeric := strings.TrimPrefix(s, "drone-")
	id, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil || id < 0 {
		return "", 0, false
	}
	return fmt.Sprintf("drone-%d", id), id, true
}

// clientEvent is a frame received from a client socket.
type clientEvent struct {
	Event      string          `json:"event"`
	SubjectKey string          `json:"subjectKey,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Update     json.RawMessage `json:"update,omitempty"`
}

// serverEvent is a frame sent to a client socket.
type serverEvent struct {
	Event      string          `json:"event"`
	SubjectKey string          `json:"subjectKey,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Broadcast  bool            `json:"broadcast,omitempty"`
	SocketID   string          `json:"socketId,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
}

func (e serverEvent) encode() []byte {
	e.Timestamp = e.Timestamp.UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		// serverEvent contains nothing that can fail to marshal besides Data,
		// which is pre-validated JSON.
		return []byte(`{"event":"event-error","error":"encoding"}`)
	}
	return raw
}

// Publication is an inbound real-time message transiting to subscribers.
type Publication struct {
	SubjectKey string          `json:"subjectKey" validate:"required"`
	Kind       string          `json:"kind" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	OriginTS   time.Time       `json:"timestamp"`
	ReceivedTS time.Time       `json:"-"`
}
