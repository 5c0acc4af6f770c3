package domain

import (
	"strings"
	"time"
)

// Role distinguishes the humans the assistant talks to.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleCustomer, RoleAdmin:
		return true
	}
	return false
}

// State document keys owned by the coordinator.
const (
	KeyLastInboundAt       = "last_inbound_at"       // time - last inbound message, opens the delivery window
	KeyLastDeliveryContext = "last_delivery_context" // DeliveryContext - correlation for the last dispatch
	KeyActiveBridge        = "active_bridge"         // BridgeSession - stored on the initiator
	KeyActiveBridgeTo      = "active_bridge_to"      // BridgeMirror - stored on the peer
	KeyPendingResponseTo   = "pending_response_to"   // AwaitedReply - customer owes an agent a reply
)

// Actor is a human participant together with its persisted state document.
type Actor struct {
	ID      string
	Address string
	Name    string
	Role    Role
	State   StateDocument
}

// FirstName returns the first word of the actor's name, or fallback when the
// name is blank.
func (a Actor) FirstName(fallback string) string {
	fields := strings.Fields(a.Name)
	if len(fields) == 0 {
		return fallback
	}
	return fields[0]
}

// LastInboundAt returns when the actor last wrote to us. A missing or corrupt
// value reports false.
func (a Actor) LastInboundAt() (time.Time, bool) {
	return a.State.Time(KeyLastInboundAt)
}
