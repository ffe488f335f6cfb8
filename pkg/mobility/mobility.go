// Package mobility implements the ground-station and user-side UDP/IPv6
// processes of the mobility sub-protocol (C9): registration and handover
// request/response, SRv6 route programming toward the serving satellite,
// and the HTB-based handover-delay shaping that holds a link at reduced
// rate for precisely the configured delay before restoring it. Grounded
// in original_source/test/handover/grd/connection_agent_grd.py (ground
// role) and original_source/sat-container/extra/handover/usr/*.py (user
// role and registration/handover request senders).
package mobility

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultInitialTTL is the Linux default initial TTL the latency test
// utility (test/test-ttl/latency_test.py) assumed; exposed as a constant
// rather than hard-coded so a different base image only needs one change.
const DefaultInitialTTL = 64

const (
	// DefaultGroundPort is the UDP port ground stations listen on for
	// registration_request/handover_request.
	DefaultGroundPort = 5005
	// DefaultCallbackPort is the UDP port users listen on for
	// registration_accept/handover_command.
	DefaultCallbackPort = 5006
	// MaxDatagramSize bounds a single mobility message per spec §6.
	MaxDatagramSize = 4096
)

// RegistrationTimeout and HandoverTimeout are the one-shot timers a user
// runs while awaiting its counterpart response; expiry resets the FSM
// to the prior state per spec §4.9.
const (
	RegistrationTimeout = 1 * time.Second
	HandoverTimeout     = 1 * time.Second
)

// EligibilityMargin is the default handover-eligibility threshold: a new
// link becomes eligible when new.delay - current.delay is below this
// (i.e. more negative than -5ms).
const EligibilityMargin = -5 * time.Millisecond

// MessageType discriminates the mobility wire protocol's single message
// envelope.
type MessageType string

const (
	MsgRegistrationRequest MessageType = "registration_request"
	MsgRegistrationAccept  MessageType = "registration_accept"
	MsgHandoverRequest     MessageType = "handover_request"
	MsgHandoverCommand     MessageType = "handover_command"
)

// Message is the single-datagram JSON envelope carried by every mobility
// exchange; unused fields are omitted on the wire. Matches the flat dict
// shape of the original Python implementation rather than one Go struct
// per message type, since all four variants share one UDP socket and one
// decode step.
type Message struct {
	Type         MessageType `json:"type"`
	TxID         string      `json:"txid,omitempty"`
	UserID       string      `json:"user_id,omitempty"`
	UserIPv6     string      `json:"user_ipv6,omitempty"`
	InitSatIPv6  string      `json:"init_sat_ipv6,omitempty"`
	NewSatIPv6   string      `json:"new_sat_ipv6,omitempty"`
	CallbackPort int         `json:"callback_port,omitempty"`
	GroundID     string      `json:"grd_id,omitempty"`
	GroundIPv6   string      `json:"grd_ipv6,omitempty"`
	Sids         string      `json:"sids,omitempty"`
}

// SidList splits the comma-joined SID string into its segments.
func (m Message) SidList() []string {
	if m.Sids == "" {
		return nil
	}
	return strings.Split(m.Sids, ",")
}

// JoinSids joins a SID list into the wire's comma-separated form.
func JoinSids(sids []string) string {
	return strings.Join(sids, ",")
}

// txID returns a millisecond-precision timestamp string, the default
// txid a requester stamps on outgoing requests when it doesn't already
// have one to echo.
func txID(now time.Time) string {
	return fmt.Sprintf("%d", now.UnixMilli())
}

// Encode marshals a message for transmission, erroring if it would
// exceed MaxDatagramSize.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("mobility: encoding %s message: %w", m.Type, err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("mobility: encoded %s message is %d bytes, exceeds %d byte limit", m.Type, len(data), MaxDatagramSize)
	}
	return data, nil
}

// Decode unmarshals a received datagram into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("mobility: decoding message: %w", err)
	}
	return m, nil
}
