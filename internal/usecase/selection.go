package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sales-assistant/internal/delivery"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/pending"
)

const (
	choiceDirectContact = 4
	choiceCancel        = 5
)

// DefaultSelectionTemplates are offered, in menu order, when a relay target's
// window is closed.
var DefaultSelectionTemplates = []domain.Template{
	{Name: "reactivacion_lead", Locale: "es_MX"},
	{Name: "seguimiento_lead", Locale: "es_MX"},
	{Name: "info_credito", Locale: "es_MX"},
}

type Deliverer interface {
	Deliver(ctx context.Context, recipientID, content string, spec delivery.TemplateSpec) (domain.DeliveryAttempt, error)
}

// SelectionHandler carries out the answer to the template menu.
type SelectionHandler struct {
	deliverer   Deliverer
	sender      TextSender
	templates   []domain.Template
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewSelectionHandler(deliverer Deliverer, sender TextSender, templates []domain.Template) (*SelectionHandler, error) {
	if deliverer == nil || sender == nil {
		return nil, errors.New("usecase: deliverer and sender must not be nil")
	}
	if len(templates) == 0 {
		templates = DefaultSelectionTemplates
	}
	if len(templates) != 3 {
		return nil, fmt.Errorf("usecase: selection needs 3 templates, got %d", len(templates))
	}
	return &SelectionHandler{
		deliverer:   deliverer,
		sender:      sender,
		templates:   templates,
		sendTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}, nil
}

// Handle acts on choice 1 to 5 for the actor that received the menu.
// Choices 1 to 3 deliver the original text to the peer through the matching
// template, so the peer gets it once they reply.
func (h *SelectionHandler) Handle(ctx context.Context, actor domain.Actor, sel pending.Selection) error {
	p := sel.Payload
	switch {
	case sel.Choice == choiceCancel:
		h.tell(ctx, actor.Address, msgCancelled(p.PeerName))
		return nil
	case sel.Choice == choiceDirectContact:
		h.tell(ctx, actor.Address, msgDirectContact(p.PeerName, p.PeerAddress))
		return nil
	case sel.Choice >= 1 && sel.Choice <= len(h.templates):
	default:
		return newError(ErrorInvalidInput, "unknown_selection", fmt.Errorf("choice %d", sel.Choice))
	}

	spec := delivery.TemplateSpec{
		Template: h.templates[sel.Choice-1],
		Kind:     domain.PendingNotification,
	}
	attempt, err := h.deliverer.Deliver(ctx, p.PeerID, p.OriginalText, spec)
	if err != nil {
		h.tell(ctx, actor.Address, msgRelayFailed(p.PeerName))
		return upstreamError("selection_delivery_error", err)
	}
	if attempt.Method == domain.DeliveryDirect {
		h.tell(ctx, actor.Address, msgSent(p.PeerName))
		return nil
	}
	h.tell(ctx, actor.Address, msgTemplateSent(p.PeerName))
	return nil
}

func (h *SelectionHandler) tell(ctx context.Context, to, text string) {
	if to == "" {
		return
	}
	Detached(ctx, h.logger, "selection_reply", func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
		defer cancel()
		_, err := h.sender.SendText(sendCtx, to, text)
		return err
	})
}
