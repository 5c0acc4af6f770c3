package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"sales-assistant/internal/domain"
)

const defaultBaseURL = "https://graph.facebook.com/v22.0"

// Secret supplies the access token, typically a *paramstore.Secret.
type Secret interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateBody struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type mediaRef struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type messageRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
	Image            *mediaRef     `json:"image,omitempty"`
	Video            *mediaRef     `json:"video,omitempty"`
	Audio            *mediaRef     `json:"audio,omitempty"`
	Document         *mediaRef     `json:"document,omitempty"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Client sends messages through the WhatsApp Cloud API for one business
// phone number.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	token         Secret
	phoneNumberID string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(token Secret, phoneNumberID string, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("whatsapp: token source must not be nil")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	c := &Client{
		baseURL:       defaultBaseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		token:         token,
		phoneNumberID: phoneNumberID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/" + c.phoneNumberID + path
}

// SendText sends body unchanged as a free-form text message.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", errors.New("whatsapp: text body must not be empty")
	}
	return c.send(ctx, messageRequest{
		To:   to,
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendTemplate sends a pre-approved template. Body parameters fill the
// template's body placeholders in order.
func (c *Client) SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	if tpl.Name == "" {
		return "", errors.New("whatsapp: template name must not be empty")
	}
	body := &templateBody{Name: tpl.Name}
	body.Language.Code = tpl.Locale
	if body.Language.Code == "" {
		body.Language.Code = "es_MX"
	}
	if len(tpl.BodyParams) > 0 {
		params := make([]templateParam, 0, len(tpl.BodyParams))
		for _, p := range tpl.BodyParams {
			params = append(params, templateParam{Type: "text", Text: p})
		}
		body.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return c.send(ctx, messageRequest{To: to, Type: "template", Template: body})
}

// SendMedia uploads media and then sends a message referencing it.
func (c *Client) SendMedia(ctx context.Context, to string, media domain.Media) (string, error) {
	if len(media.Data) == 0 {
		return "", errors.New("whatsapp: media data must not be empty")
	}
	if media.MIMEType == "" {
		return "", errors.New("whatsapp: media type must not be empty")
	}
	id, err := c.upload(ctx, media)
	if err != nil {
		return "", err
	}

	ref := &mediaRef{ID: id, Caption: media.Caption}
	req := messageRequest{To: to}
	switch {
	case strings.HasPrefix(media.MIMEType, "image/"):
		req.Type, req.Image = "image", ref
	case strings.HasPrefix(media.MIMEType, "video/"):
		req.Type, req.Video = "video", ref
	case strings.HasPrefix(media.MIMEType, "audio/"):
		// audio messages do not carry captions
		req.Type, req.Audio = "audio", &mediaRef{ID: id}
	default:
		ref.Filename = media.Filename
		req.Type, req.Document = "document", ref
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, msg messageRequest) (string, error) {
	msg.To = NormalizeAddress(msg.To)
	if msg.To == "" {
		return "", errors.New("whatsapp: recipient must not be empty")
	}
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"

	token, err := c.token.Value(ctx)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := c.endpoint("/messages")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send %s: %w", msg.Type, err)
	}
	var payload messageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(payload.Messages) == 0 || payload.Messages[0].ID == "" {
		return "", errors.New("whatsapp: no message id in response")
	}
	return payload.Messages[0].ID, nil
}

func (c *Client) upload(ctx context.Context, media domain.Media) (string, error) {
	token, err := c.token.Value(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}
	if err := w.WriteField("type", media.MIMEType); err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}
	filename := media.Filename
	if filename == "" {
		filename = "upload"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", media.MIMEType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}

	url := c.endpoint("/media")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if reqErr != nil {
		return "", fmt.Errorf("whatsapp: create upload request: %w", reqErr)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("whatsapp: upload media: %w", err)
	}
	var payload uploadResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("whatsapp: decode upload response: %w", err)
	}
	if payload.ID == "" {
		return "", errors.New("whatsapp: no media id in upload response")
	}
	return payload.ID, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
