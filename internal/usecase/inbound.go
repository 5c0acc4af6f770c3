package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"sales-assistant/internal/bridge"
	"sales-assistant/internal/commands"
	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/pending"
	"sales-assistant/internal/repository"
	"sales-assistant/internal/statedoc"
)

const maxListedMatches = 5

type ActorDirectory interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	FindActorByAddress(ctx context.Context, address string) (domain.Actor, error)
	ListActorsByRole(ctx context.Context, role domain.Role) ([]domain.Actor, error)
}

type PendingResolver interface {
	Resolve(ctx context.Context, actor domain.Actor, text string) (pending.Resolution, error)
	Register(ctx context.Context, actorID string, kind domain.PendingKind, payload domain.PendingPayload) error
}

type BridgeSessions interface {
	Open(ctx context.Context, initiatorID, peerID string) (domain.BridgeSession, error)
	Relay(ctx context.Context, senderID, text string) (bridge.RelayResult, error)
	Extend(ctx context.Context, actorID string) (time.Time, error)
	Close(ctx context.Context, actorID string) (bridge.Counterpart, error)
	Active(actor domain.Actor) (bridge.Counterpart, bool)
	Duration() time.Duration
}

type TextSender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

type Merger interface {
	MergeActorState(ctx context.Context, actorID string, mutate statedoc.Mutator) error
}

// Router receives every inbound message the coordinator does not consume.
type Router interface {
	Route(ctx context.Context, actor domain.Actor, text string) error
}

// NopRouter drops unrouted messages.
type NopRouter struct{}

func (NopRouter) Route(context.Context, domain.Actor, string) error { return nil }

type InboundMessage struct {
	From       string
	Text       string
	MessageID  string
	ReceivedAt time.Time
}

type Outcome string

const (
	OutcomePendingDelivered Outcome = "pending_delivered"
	OutcomeSelection        Outcome = "template_selection"
	OutcomeBridgeClosed     Outcome = "bridge_closed"
	OutcomeBridgeExtended   Outcome = "bridge_extended"
	OutcomeBridgeOpened     Outcome = "bridge_opened"
	OutcomeNoSession        Outcome = "no_session"
	OutcomeRelayed          Outcome = "relayed"
	OutcomeRelayDeferred    Outcome = "relay_deferred"
	OutcomeReplyForwarded   Outcome = "reply_forwarded"
	OutcomeRouted           Outcome = "routed"
)

type InboundResult struct {
	ActorID string
	Outcome Outcome
}

// InboundService decides what happens to one inbound channel message.
type InboundService struct {
	actors      ActorDirectory
	pending     PendingResolver
	bridges     BridgeSessions
	sender      TextSender
	merger      Merger
	selection   *SelectionHandler
	router      Router
	now         func() time.Time
	sendTimeout time.Duration
	logger      *slog.Logger
}

type InboundOption func(*InboundService)

func WithRouter(r Router) InboundOption {
	return func(s *InboundService) {
		if r != nil {
			s.router = r
		}
	}
}

func WithInboundClock(now func() time.Time) InboundOption {
	return func(s *InboundService) { s.now = now }
}

func WithInboundLogger(l *slog.Logger) InboundOption {
	return func(s *InboundService) { s.logger = l }
}

func WithReplyTimeout(d time.Duration) InboundOption {
	return func(s *InboundService) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

func NewInboundService(actors ActorDirectory, resolver PendingResolver, bridges BridgeSessions, sender TextSender, merger Merger, selection *SelectionHandler, opts ...InboundOption) (*InboundService, error) {
	if actors == nil {
		return nil, errors.New("usecase: actor directory must not be nil")
	}
	if resolver == nil || bridges == nil {
		return nil, errors.New("usecase: pending resolver and bridge service must not be nil")
	}
	if sender == nil || merger == nil {
		return nil, errors.New("usecase: sender and merger must not be nil")
	}
	if selection == nil {
		return nil, errors.New("usecase: selection handler must not be nil")
	}
	s := &InboundService{
		actors:      actors,
		pending:     resolver,
		bridges:     bridges,
		sender:      sender,
		merger:      merger,
		selection:   selection,
		router:      NopRouter{},
		now:         time.Now,
		sendTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle processes one inbound message. The order is fixed: the sender's
// window is reopened first, a close command always reaches the bridge, then
// pending content, then bridge commands and relay, then a reply someone is
// waiting for, and everything else goes to the Router.
func (s *InboundService) Handle(ctx context.Context, msg InboundMessage) (InboundResult, error) {
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if strings.TrimSpace(msg.From) == "" {
		return InboundResult{}, newError(ErrorInvalidInput, "missing_sender", nil)
	}

	actor, err := s.actors.FindActorByAddress(ctx, msg.From)
	if errors.Is(err, repository.ErrNotFound) {
		return InboundResult{}, newError(ErrorUnknownSender, "unknown_sender", err)
	}
	if err != nil {
		return InboundResult{}, newError(ErrorInternal, "actor_lookup_error", err)
	}
	log := s.logger.With("actor_id", actor.ID, "message_id", msg.MessageID)

	received := msg.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	s.recordInbound(ctx, log, actor.ID, received.UTC())
	result := InboundResult{ActorID: actor.ID}

	if commands.IsClose(text) {
		outcome, err := s.closeBridge(ctx, actor)
		result.Outcome = outcome
		return result, err
	}

	res, err := s.pending.Resolve(ctx, actor, text)
	if err != nil {
		return result, upstreamError("pending_delivery_error", err)
	}
	if res.Selection != nil {
		result.Outcome = OutcomeSelection
		return result, s.selection.Handle(ctx, actor, *res.Selection)
	}
	if res.Delivered {
		log.Info("pending content delivered", "kind", res.Kind, "provider_message_id", res.MessageID)
		result.Outcome = OutcomePendingDelivered
		return result, nil
	}

	if commands.IsExtend(text) {
		result.Outcome = s.extendBridge(ctx, actor)
		return result, nil
	}
	if query, ok := commands.BridgeTarget(text); ok && actor.Role != domain.RoleCustomer {
		outcome, err := s.openBridge(ctx, actor, query)
		result.Outcome = outcome
		return result, err
	}

	if other, ok := s.bridges.Active(actor); ok {
		outcome, err := s.relay(ctx, actor, other, text)
		if !errors.Is(err, bridge.ErrNoActiveSession) && !errors.Is(err, bridge.ErrControlCommand) {
			result.Outcome = outcome
			return result, err
		}
	}

	if actor.Role == domain.RoleCustomer {
		if forwarded, err := s.forwardReply(ctx, actor, text); forwarded || err != nil {
			result.Outcome = OutcomeReplyForwarded
			return result, err
		}
	}

	if err := s.router.Route(ctx, actor, text); err != nil {
		return result, newError(ErrorInternal, "router_error", err)
	}
	result.Outcome = OutcomeRouted
	return result, nil
}

// recordInbound moves last_inbound_at forward. It never moves it back, so a
// late retry of an old webhook cannot shrink the window.
func (s *InboundService) recordInbound(ctx context.Context, log *slog.Logger, actorID string, at time.Time) {
	Detached(ctx, log, "record_inbound", func(ctx context.Context) error {
		return s.merger.MergeActorState(ctx, actorID, func(doc domain.StateDocument) *domain.Patch {
			p := domain.NewPatch()
			if prev, ok := doc.Time(domain.KeyLastInboundAt); ok && !at.After(prev) {
				return p
			}
			return p.SetTime(domain.KeyLastInboundAt, at)
		})
	})
}

func (s *InboundService) closeBridge(ctx context.Context, actor domain.Actor) (Outcome, error) {
	other, err := s.bridges.Close(ctx, actor.ID)
	if errors.Is(err, bridge.ErrNoActiveSession) {
		s.reply(ctx, actor.Address, msgNoSession())
		return OutcomeNoSession, nil
	}
	if err != nil {
		return "", newError(ErrorInternal, "bridge_close_error", err)
	}
	s.reply(ctx, actor.Address, msgClosed(other.Label))
	s.reply(ctx, other.Address, msgClosedByOther(actor.FirstName(actor.Name)))
	return OutcomeBridgeClosed, nil
}

func (s *InboundService) extendBridge(ctx context.Context, actor domain.Actor) Outcome {
	if _, err := s.bridges.Extend(ctx, actor.ID); err != nil {
		if !errors.Is(err, bridge.ErrNoActiveSession) {
			s.logger.Error("bridge extend failed", "actor_id", actor.ID, "err", err)
		}
		s.reply(ctx, actor.Address, msgNoSession())
		return OutcomeNoSession
	}
	s.reply(ctx, actor.Address, msgExtended(s.bridges.Duration()))
	return OutcomeBridgeExtended
}

// openBridge starts a session with the one customer whose name contains
// query.
func (s *InboundService) openBridge(ctx context.Context, actor domain.Actor, query string) (Outcome, error) {
	customers, err := s.actors.ListActorsByRole(ctx, domain.RoleCustomer)
	if err != nil {
		return "", newError(ErrorInternal, "customer_list_error", err)
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var matches []domain.Actor
	for _, c := range customers {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		s.reply(ctx, actor.Address, msgNoMatch(query))
		return OutcomeRouted, nil
	case 1:
	default:
		names := make([]string, 0, maxListedMatches)
		for _, m := range matches {
			if len(names) == maxListedMatches {
				break
			}
			names = append(names, m.Name)
		}
		sort.Strings(names)
		s.reply(ctx, actor.Address, msgManyMatches(query, names))
		return OutcomeRouted, nil
	}

	peer := matches[0]
	if _, err := s.bridges.Open(ctx, actor.ID, peer.ID); err != nil {
		return "", newError(ErrorInternal, "bridge_open_error", err)
	}
	s.reply(ctx, peer.Address, msgBridgeInvite(actor.Name, s.bridges.Duration()))
	s.reply(ctx, actor.Address, msgBridgeOpened(peer.Name, s.bridges.Duration()))
	return OutcomeBridgeOpened, nil
}

// relay forwards text to the live counterpart. A customer counterpart whose
// window has closed cannot receive free-form text; the sender is offered the
// template menu instead and the text is kept with the selection.
func (s *InboundService) relay(ctx context.Context, actor domain.Actor, other bridge.Counterpart, text string) (Outcome, error) {
	peer, err := s.actors.GetActor(ctx, other.ID)
	if err != nil {
		return "", newError(ErrorInternal, "peer_lookup_error", err)
	}
	if peer.Role == domain.RoleCustomer && !delivery.CanSendFreeform(peer, s.now()) {
		payload := domain.SelectionPayload{
			PeerID:       peer.ID,
			PeerName:     peer.Name,
			PeerAddress:  peer.Address,
			OriginalText: text,
		}
		if err := s.pending.Register(ctx, actor.ID, domain.PendingTemplateSelection, payload); err != nil {
			return "", newError(ErrorInternal, "selection_register_error", err)
		}
		s.reply(ctx, actor.Address, msgTemplateMenu(peer.Name))
		return OutcomeRelayDeferred, nil
	}

	res, err := s.bridges.Relay(ctx, actor.ID, text)
	if errors.Is(err, bridge.ErrNoActiveSession) || errors.Is(err, bridge.ErrControlCommand) {
		return "", err
	}
	if err != nil {
		s.reply(ctx, actor.Address, msgRelayFailed(other.Label))
		return OutcomeRelayed, upstreamError("relay_error", err)
	}
	if actor.Role != domain.RoleCustomer {
		s.reply(ctx, actor.Address, msgSent(res.To.Label))
	}
	return OutcomeRelayed, nil
}

// forwardReply sends a customer's message to the agent waiting for it and
// clears the wait.
func (s *InboundService) forwardReply(ctx context.Context, actor domain.Actor, text string) (bool, error) {
	reply, err := domain.Lookup[domain.AwaitedReply](actor.State, domain.KeyPendingResponseTo)
	if err != nil || !reply.Active(s.now()) {
		return false, nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	_, err = s.sender.SendText(sendCtx, reply.AgentAddress, msgReplyForwarded(actor.Name, text))
	cancel()
	if err != nil {
		return true, upstreamError("reply_forward_error", err)
	}
	Detached(ctx, s.logger, "clear_awaited_reply", func(ctx context.Context) error {
		return s.merger.MergeActorState(ctx, actor.ID, func(doc domain.StateDocument) *domain.Patch {
			p := domain.NewPatch()
			if cur, err := domain.Lookup[domain.AwaitedReply](doc, domain.KeyPendingResponseTo); err == nil && cur.AgentID == reply.AgentID {
				p.Delete(domain.KeyPendingResponseTo)
			}
			return p
		})
	})
	return true, nil
}

func (s *InboundService) reply(ctx context.Context, to, text string) {
	if to == "" {
		return
	}
	Detached(ctx, s.logger, "reply", func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
		_, err := s.sender.SendText(sendCtx, to, text)
		return err
	})
}
