package domain

import (
	"errors"
	"time"
)

// BridgeSession is stored on the initiator while a relay is open.
type BridgeSession struct {
	PeerID       string    `json:"peer_id"`
	PeerAddress  string    `json:"peer_address"`
	PeerLabel    string    `json:"peer_label"`
	StartedAt    time.Time `json:"started_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *BridgeSession) Validate() error {
	if s.PeerID == "" {
		return errors.New("missing peer_id")
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("missing expires_at")
	}
	return nil
}

// Active reports whether the session is live at now. Expired sessions are
// left in place and simply ignored.
func (s BridgeSession) Active(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// BridgeMirror is stored on the peer and points back at the initiator.
type BridgeMirror struct {
	InitiatorID      string    `json:"initiator_id"`
	InitiatorAddress string    `json:"initiator_address"`
	InitiatorLabel   string    `json:"initiator_label"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (m *BridgeMirror) Validate() error {
	if m.InitiatorID == "" {
		return errors.New("missing initiator_id")
	}
	if m.ExpiresAt.IsZero() {
		return errors.New("missing expires_at")
	}
	return nil
}

func (m BridgeMirror) Active(now time.Time) bool {
	return m.ExpiresAt.After(now)
}

// AwaitedReply marks a customer whose next message should be forwarded to
// the agent that contacted them.
type AwaitedReply struct {
	AgentID      string    `json:"agent_id"`
	AgentAddress string    `json:"agent_address"`
	AgentLabel   string    `json:"agent_label"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *AwaitedReply) Validate() error {
	if r.AgentID == "" {
		return errors.New("missing agent_id")
	}
	return nil
}

func (r AwaitedReply) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}
