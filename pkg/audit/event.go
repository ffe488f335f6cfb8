// Package audit provides audit logging for topology epoch applications and
// per-node runtime command executions.
package audit

import (
	"fmt"
	"time"
)

// ChangeSummary is a compact record of one mutation applied to the store
// during an epoch, kept separate from the full compiler types so the
// audit package has no dependency on pkg/compiler.
type ChangeSummary struct {
	Key      string `json:"key"`
	Type     string `json:"type"` // add, update, delete
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
}

// Event represents an auditable nsbctl control-plane operation (epoch
// application, unlink, deploy, rm, exec, cp and the like).
type Event struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	User        string          `json:"user"`
	Node        string          `json:"node,omitempty"`
	Operation   string          `json:"operation"`
	Epoch       int             `json:"epoch,omitempty"`
	LinkKey     string          `json:"link_key,omitempty"`
	Changes     []ChangeSummary `json:"changes,omitempty"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	ExecuteMode bool            `json:"execute_mode"` // set via WithExecuteMode
	DryRun      bool            `json:"dry_run"`
	Duration    time.Duration   `json:"duration"`
	ClientIP    string          `json:"client_ip,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

// EventType categorizes audit events
type EventType string

const (
	EventTypeConnect    EventType = "connect"
	EventTypeDisconnect EventType = "disconnect"
	EventTypeLock       EventType = "lock"
	EventTypeUnlock     EventType = "unlock"
	EventTypePreview    EventType = "preview"
	EventTypeExecute    EventType = "execute"
	EventTypeRollback   EventType = "rollback"
)

// Severity indicates the importance of an audit event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Filter defines criteria for querying audit events
type Filter struct {
	Node        string
	User        string
	Operation   string
	LinkKey     string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, node, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Node:      node,
		Operation: operation,
	}
}

// WithEpoch sets the epoch counter
func (e *Event) WithEpoch(epoch int) *Event {
	e.Epoch = epoch
	return e
}

// WithLinkKey sets the link key
func (e *Event) WithLinkKey(linkKey string) *Event {
	e.LinkKey = linkKey
	return e
}

// WithChanges sets the changes
func (e *Event) WithChanges(changes []ChangeSummary) *Event {
	e.Changes = changes
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithExecuteMode marks if execute mode was used
func (e *Event) WithExecuteMode(execute bool) *Event {
	e.ExecuteMode = execute
	e.DryRun = !execute
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
