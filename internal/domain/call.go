package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool { return k == CallAudio || k == CallVideo }

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseOutgoingRinging Phase = "OUTGOING_RINGING"
	PhaseIncomingRinging Phase = "INCOMING_RINGING"
	PhaseConnected       Phase = "CONNECTED"
)

// Ringing reports whether the phase is waiting on a human answer.
func (p Phase) Ringing() bool {
	return p == PhaseOutgoingRinging || p == PhaseIncomingRinging
}

// EndReason says how a call session left the machine.
type EndReason string

const (
	EndNone         EndReason = ""
	EndDeclined     EndReason = "declined"
	EndCancelled    EndReason = "cancelled"
	EndTimedOut     EndReason = "timed_out"
	EndHungUp       EndReason = "ended"
	EndRemoteHungUp EndReason = "remote_ended"
	EndReplaced     EndReason = "replaced"
	EndMediaFailed  EndReason = "media_failed"
	EndShutdown     EndReason = "shutdown"
)

// CallSession is one negotiation between this user and a counterparty.
type CallSession struct {
	ID          string    `json:"id"`
	Kind        CallKind  `json:"call_type"`
	Role        CallRole  `json:"role"`
	Peer        User      `json:"peer"`
	Phase       Phase     `json:"phase"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

// CallerID returns the caller side of the session given the local user.
func (s *CallSession) CallerID(self UserID) UserID {
	if s.Role == RoleCaller {
		return self
	}
	return s.Peer.ID
}

// ReceiverID returns the callee side of the session given the local user.
func (s *CallSession) ReceiverID(self UserID) UserID {
	if s.Role == RoleCallee {
		return self
	}
	return s.Peer.ID
}

// ConflictPolicy decides what happens to an incoming_call that arrives while
// another call session is active.
type ConflictPolicy string

const (
	// PolicyReject auto-declines the newcomer. Default.
	PolicyReject ConflictPolicy = "reject"
	// PolicyQueue holds the newcomer until the machine is idle again.
	PolicyQueue ConflictPolicy = "queue"
	// PolicyReplace terminates the active session and rings the newcomer.
	PolicyReplace ConflictPolicy = "replace"
)

var ErrUnknownPolicy = errors.New("unknown conflict policy")

func (p *ConflictPolicy) UnmarshalText(text []byte) error {
	switch v := ConflictPolicy(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case "":
		*p = PolicyReject
	case PolicyReject, PolicyQueue, PolicyReplace:
		*p = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, string(text))
	}
	return nil
}
