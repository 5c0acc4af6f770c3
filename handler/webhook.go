package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"sales-assistant/internal/integrations/whatsapp"
	"sales-assistant/internal/usecase"
)

const signatureHeader = "X-Hub-Signature-256"

type InboundUseCase interface {
	Handle(ctx context.Context, msg usecase.InboundMessage) (usecase.InboundResult, error)
}

// Secret is satisfied by *paramstore.Secret.
type Secret interface {
	Value(ctx context.Context) (string, error)
}

type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []channelMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type channelMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
	Interactive *struct {
		Type        string     `json:"type"`
		ButtonReply *replyItem `json:"button_reply,omitempty"`
		ListReply   *replyItem `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

type replyItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// body returns the text a person typed or tapped, or "" for message types
// the coordinator does not read.
func (m channelMessage) body() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	}
	return ""
}

func (m channelMessage) receivedAt() time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

type messageResult struct {
	MessageID string `json:"messageId"`
	Outcome   string `json:"outcome,omitempty"`
	Status    int    `json:"status"`
	Error     string `json:"error,omitempty"`
}

type webhookResponse struct {
	Received int             `json:"received"`
	Results  []messageResult `json:"results"`
}

// Webhook serves the channel's verification handshake and message
// notifications.
type Webhook struct {
	inbound     InboundUseCase
	appSecret   Secret
	verifyToken Secret
	logger      *slog.Logger
}

func NewWebhook(inbound InboundUseCase, appSecret, verifyToken Secret) (*Webhook, error) {
	if inbound == nil {
		return nil, errors.New("handler: inbound usecase must not be nil")
	}
	if appSecret == nil || verifyToken == nil {
		return nil, errors.New("handler: app secret and verify token must not be nil")
	}
	return &Webhook{inbound: inbound, appSecret: appSecret, verifyToken: verifyToken, logger: slog.Default()}, nil
}

func (h *Webhook) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.logger.With("correlation_id", corrID)

	switch req.HTTPMethod {
	case http.MethodGet:
		return h.verify(ctx, log, corrID, req.QueryStringParameters), nil
	case http.MethodPost:
		return h.receive(ctx, log, corrID, req), nil
	default:
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	}
}

func (h *Webhook) verify(ctx context.Context, log *slog.Logger, corrID string, q map[string]string) events.APIGatewayProxyResponse {
	want, err := h.verifyToken.Value(ctx)
	if err != nil {
		log.Error("verify token unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if q["hub.mode"] != "subscribe" || !hmac.Equal([]byte(q["hub.verify_token"]), []byte(want)) {
		log.Warn("webhook verification rejected", "mode", q["hub.mode"])
		return textResponse(http.StatusForbidden, corrID, "forbidden")
	}
	return textResponse(http.StatusOK, corrID, q["hub.challenge"])
}

// receive answers 200 to any authentic, well-formed notification, whatever
// happened to the individual messages. The provider redelivers on any other
// status, and a redelivery would repeat side effects already performed.
func (h *Webhook) receive(ctx context.Context, log *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_base64"})
		}
		body = decoded
	}

	secret, err := h.appSecret.Value(ctx)
	if err != nil {
		log.Error("app secret unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	if !validSignature(secret, body, header(req.Headers, signatureHeader)) {
		log.Warn("webhook signature mismatch")
		return jsonResponse(http.StatusUnauthorized, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_signature"})
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}

	out := webhookResponse{Results: []messageResult{}}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				out.Received++
				out.Results = append(out.Results, h.dispatch(ctx, log, m))
			}
		}
	}
	return jsonResponse(http.StatusOK, corrID, out)
}

func (h *Webhook) dispatch(ctx context.Context, log *slog.Logger, m channelMessage) messageResult {
	res := messageResult{MessageID: m.ID, Status: http.StatusOK}
	text := m.body()
	if text == "" {
		log.Info("ignoring unsupported message type", "message_id", m.ID, "type", m.Type)
		res.Outcome = "ignored"
		return res
	}

	result, err := h.inbound.Handle(ctx, usecase.InboundMessage{
		From:       whatsapp.NormalizeAddress(m.From),
		Text:       text,
		MessageID:  m.ID,
		ReceivedAt: m.receivedAt(),
	})
	res.Outcome = string(result.Outcome)
	if err != nil {
		status, code := statusFor(err)
		res.Status, res.Error = status, string(code)
		if status >= http.StatusInternalServerError {
			log.Error("inbound message failed", "message_id", m.ID, "code", code, "err", err)
		} else {
			log.Warn("inbound message rejected", "message_id", m.ID, "code", code, "err", err)
		}
		return res
	}
	log.Info("inbound message handled", "message_id", m.ID, "actor_id", result.ActorID, "outcome", result.Outcome)
	return res
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
