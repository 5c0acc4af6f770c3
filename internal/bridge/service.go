// Package bridge runs short-lived direct relays between two actors. The
// initiator carries active_bridge, the peer carries the active_bridge_to
// mirror, and a session is live only while expires_at is in the future.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sales-assistant/internal/commands"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/statedoc"
)

// DefaultDuration is how long a session stays open without an extend.
const DefaultDuration = 6 * time.Minute

var (
	ErrNoActiveSession = errors.New("bridge: no active session")
	ErrNoAddress       = errors.New("bridge: actor has no address")
	ErrSelf            = errors.New("bridge: cannot open a session with yourself")
	ErrControlCommand  = errors.New("bridge: control commands are not relayed")
)

type ActorReader interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

type Merger interface {
	MergeActorState(ctx context.Context, actorID string, mutate statedoc.Mutator) error
}

type TextSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// Counterpart is the other side of a session as seen from one actor.
type Counterpart struct {
	ID        string
	Address   string
	Label     string
	ExpiresAt time.Time
	// Initiator is true when the actor we looked at opened the session.
	Initiator bool
}

// RelayResult reports where a relayed message went.
type RelayResult struct {
	To        Counterpart
	MessageID string
}

type Service struct {
	actors      ActorReader
	merger      Merger
	sender      TextSender
	duration    time.Duration
	sendTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Service)

func WithDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.duration = d
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) { s.sendTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(actors ActorReader, merger Merger, sender TextSender, opts ...Option) (*Service, error) {
	if actors == nil || merger == nil || sender == nil {
		return nil, errors.New("bridge: actors, merger and sender must not be nil")
	}
	s := &Service{
		actors:      actors,
		merger:      merger,
		sender:      sender,
		duration:    DefaultDuration,
		sendTimeout: 10 * time.Second,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Duration is the fixed session length.
func (s *Service) Duration() time.Duration {
	return s.duration
}

// Active returns the live counterpart of actor at now. Expired markers are
// ignored without being removed.
func Active(actor domain.Actor, now time.Time) (Counterpart, bool) {
	c, ok := markers(actor)
	if !ok || !c.ExpiresAt.After(now) {
		return Counterpart{}, false
	}
	return c, true
}

// markers reads whichever session marker the actor carries, live or not.
func markers(actor domain.Actor) (Counterpart, bool) {
	if session, err := domain.Lookup[domain.BridgeSession](actor.State, domain.KeyActiveBridge); err == nil {
		return Counterpart{
			ID:        session.PeerID,
			Address:   session.PeerAddress,
			Label:     session.PeerLabel,
			ExpiresAt: session.ExpiresAt,
			Initiator: true,
		}, true
	}
	if mirror, err := domain.Lookup[domain.BridgeMirror](actor.State, domain.KeyActiveBridgeTo); err == nil {
		return Counterpart{
			ID:        mirror.InitiatorID,
			Address:   mirror.InitiatorAddress,
			Label:     mirror.InitiatorLabel,
			ExpiresAt: mirror.ExpiresAt,
		}, true
	}
	return Counterpart{}, false
}

// Active is the method form of the package-level Active using the service
// clock.
func (s *Service) Active(actor domain.Actor) (Counterpart, bool) {
	return Active(actor, s.now())
}

// Open starts a session from initiator to peer, replacing any session either
// of them had.
func (s *Service) Open(ctx context.Context, initiatorID, peerID string) (domain.BridgeSession, error) {
	if initiatorID == peerID {
		return domain.BridgeSession{}, ErrSelf
	}
	initiator, err := s.actors.GetActor(ctx, initiatorID)
	if err != nil {
		return domain.BridgeSession{}, fmt.Errorf("bridge: load initiator %s: %w", initiatorID, err)
	}
	peer, err := s.actors.GetActor(ctx, peerID)
	if err != nil {
		return domain.BridgeSession{}, fmt.Errorf("bridge: load peer %s: %w", peerID, err)
	}
	if initiator.Address == "" || peer.Address == "" {
		return domain.BridgeSession{}, ErrNoAddress
	}

	s.detach(ctx, initiator, peer.ID)
	s.detach(ctx, peer, initiator.ID)

	now := s.now().UTC()
	session := domain.BridgeSession{
		PeerID:       peer.ID,
		PeerAddress:  peer.Address,
		PeerLabel:    peer.Name,
		StartedAt:    now,
		ExpiresAt:    now.Add(s.duration),
		LastActivity: now,
	}
	mirror := domain.BridgeMirror{
		InitiatorID:      initiator.ID,
		InitiatorAddress: initiator.Address,
		InitiatorLabel:   initiator.Name,
		ExpiresAt:        session.ExpiresAt,
	}

	if err := s.merger.MergeActorState(ctx, initiator.ID, func(domain.StateDocument) *domain.Patch {
		return domain.NewPatch().Set(domain.KeyActiveBridge, session).Delete(domain.KeyActiveBridgeTo)
	}); err != nil {
		return domain.BridgeSession{}, fmt.Errorf("bridge: open on %s: %w", initiator.ID, err)
	}
	if err := s.merger.MergeActorState(ctx, peer.ID, func(domain.StateDocument) *domain.Patch {
		return domain.NewPatch().Set(domain.KeyActiveBridgeTo, mirror).Delete(domain.KeyActiveBridge)
	}); err != nil {
		// Undo the initiator side so no one-sided session is left behind.
		if undoErr := s.merger.MergeActorState(ctx, initiator.ID, deleteIfPeer(peer.ID)); undoErr != nil {
			s.logger.Error("bridge open left a one-sided marker", "actor_id", initiator.ID, "err", undoErr)
		}
		return domain.BridgeSession{}, fmt.Errorf("bridge: open on %s: %w", peer.ID, err)
	}
	s.logger.Info("bridge opened", "initiator_id", initiator.ID, "peer_id", peer.ID, "expires_at", session.ExpiresAt)
	return session, nil
}

// detach clears the far side of any session actor holds with someone other
// than keep. The near side is overwritten by Open itself.
func (s *Service) detach(ctx context.Context, actor domain.Actor, keep string) {
	old, ok := markers(actor)
	if !ok || old.ID == keep {
		return
	}
	if err := s.merger.MergeActorState(ctx, old.ID, clearSide(actor.ID)); err != nil {
		s.logger.Warn("failed to detach previous bridge", "actor_id", actor.ID, "counterpart_id", old.ID, "err", err)
	}
}

// Relay forwards text unchanged to the sender's counterpart. Control commands
// are refused with ErrControlCommand and never reach the peer. A failed send
// leaves the session open.
func (s *Service) Relay(ctx context.Context, senderID, text string) (RelayResult, error) {
	if commands.IsControl(text) {
		return RelayResult{}, ErrControlCommand
	}
	sender, err := s.actors.GetActor(ctx, senderID)
	if err != nil {
		return RelayResult{}, fmt.Errorf("bridge: load sender %s: %w", senderID, err)
	}
	to, ok := s.Active(sender)
	if !ok {
		return RelayResult{}, ErrNoActiveSession
	}
	if to.Address == "" {
		return RelayResult{To: to}, ErrNoAddress
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	msgID, err := s.sender.SendText(sendCtx, to.Address, text)
	cancel()
	if err != nil {
		return RelayResult{To: to}, fmt.Errorf("bridge: relay to %s: %w", to.ID, err)
	}

	initiatorID := sender.ID
	if !to.Initiator {
		initiatorID = to.ID
	}
	now := s.now().UTC()
	if err := s.merger.MergeActorState(ctx, initiatorID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		session, err := domain.Lookup[domain.BridgeSession](doc, domain.KeyActiveBridge)
		if err != nil || !session.Active(now) {
			return p
		}
		session.LastActivity = now
		return p.Set(domain.KeyActiveBridge, session)
	}); err != nil {
		s.logger.Warn("failed to record bridge activity", "actor_id", initiatorID, "err", err)
	}
	return RelayResult{To: to, MessageID: msgID}, nil
}

// Extend pushes the expiry of the actor's live session to now + duration on
// both sides.
func (s *Service) Extend(ctx context.Context, actorID string) (time.Time, error) {
	actor, err := s.actors.GetActor(ctx, actorID)
	if err != nil {
		return time.Time{}, fmt.Errorf("bridge: load %s: %w", actorID, err)
	}
	other, ok := s.Active(actor)
	if !ok {
		return time.Time{}, ErrNoActiveSession
	}
	initiatorID, peerID := actor.ID, other.ID
	if !other.Initiator {
		initiatorID, peerID = other.ID, actor.ID
	}

	now := s.now().UTC()
	expires := now.Add(s.duration)
	if err := s.merger.MergeActorState(ctx, initiatorID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		session, err := domain.Lookup[domain.BridgeSession](doc, domain.KeyActiveBridge)
		if err != nil || session.PeerID != peerID {
			return p
		}
		session.ExpiresAt, session.LastActivity = expires, now
		return p.Set(domain.KeyActiveBridge, session)
	}); err != nil {
		return time.Time{}, fmt.Errorf("bridge: extend on %s: %w", initiatorID, err)
	}
	if err := s.merger.MergeActorState(ctx, peerID, func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		mirror, err := domain.Lookup[domain.BridgeMirror](doc, domain.KeyActiveBridgeTo)
		if err != nil || mirror.InitiatorID != initiatorID {
			return p
		}
		mirror.ExpiresAt = expires
		return p.Set(domain.KeyActiveBridgeTo, mirror)
	}); err != nil {
		return time.Time{}, fmt.Errorf("bridge: extend on %s: %w", peerID, err)
	}
	return expires, nil
}

// Close ends the actor's session from either side. Both markers are removed,
// live or expired, together with a pending_response_to on either side that
// points at the other.
func (s *Service) Close(ctx context.Context, actorID string) (Counterpart, error) {
	actor, err := s.actors.GetActor(ctx, actorID)
	if err != nil {
		return Counterpart{}, fmt.Errorf("bridge: load %s: %w", actorID, err)
	}
	other, ok := markers(actor)
	if !ok {
		return Counterpart{}, ErrNoActiveSession
	}

	if err := s.merger.MergeActorState(ctx, actor.ID, clearSide(other.ID)); err != nil {
		return other, fmt.Errorf("bridge: close on %s: %w", actor.ID, err)
	}
	if err := s.merger.MergeActorState(ctx, other.ID, clearSide(actor.ID)); err != nil {
		return other, fmt.Errorf("bridge: close on %s: %w", other.ID, err)
	}
	s.logger.Info("bridge closed", "actor_id", actor.ID, "counterpart_id", other.ID)
	return other, nil
}

// clearSide removes the session markers on one actor that point at otherID,
// and a reply marker waiting on otherID.
func clearSide(otherID string) statedoc.Mutator {
	return func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		if session, err := domain.Lookup[domain.BridgeSession](doc, domain.KeyActiveBridge); err == nil && session.PeerID == otherID {
			p.Delete(domain.KeyActiveBridge)
		}
		if mirror, err := domain.Lookup[domain.BridgeMirror](doc, domain.KeyActiveBridgeTo); err == nil && mirror.InitiatorID == otherID {
			p.Delete(domain.KeyActiveBridgeTo)
		}
		if reply, err := domain.Lookup[domain.AwaitedReply](doc, domain.KeyPendingResponseTo); err == nil && reply.AgentID == otherID {
			p.Delete(domain.KeyPendingResponseTo)
		}
		return p
	}
}

func deleteIfPeer(peerID string) statedoc.Mutator {
	return func(doc domain.StateDocument) *domain.Patch {
		p := domain.NewPatch()
		if session, err := domain.Lookup[domain.BridgeSession](doc, domain.KeyActiveBridge); err == nil && session.PeerID == peerID {
			p.Delete(domain.KeyActiveBridge)
		}
		return p
	}
}

// AwaitReply marks customerID so that their next message is forwarded to
// agentID until ttl elapses.
func (s *Service) AwaitReply(ctx context.Context, agentID, customerID string, ttl time.Duration) error {
	agent, err := s.actors.GetActor(ctx, agentID)
	if err != nil {
		return fmt.Errorf("bridge: load agent %s: %w", agentID, err)
	}
	reply := domain.AwaitedReply{
		AgentID:      agent.ID,
		AgentAddress: agent.Address,
		AgentLabel:   agent.Name,
		ExpiresAt:    s.now().UTC().Add(ttl),
	}
	if err := s.merger.MergeActorState(ctx, customerID, statedoc.Set(domain.KeyPendingResponseTo, reply)); err != nil {
		return fmt.Errorf("bridge: await reply on %s: %w", customerID, err)
	}
	return nil
}
