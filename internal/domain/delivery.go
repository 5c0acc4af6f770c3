package domain

import "time"

// DeliveryMethod says which path a dispatch took.
type DeliveryMethod string

const (
	DeliveryDirect   DeliveryMethod = "direct"
	DeliveryTemplate DeliveryMethod = "template"
)

// DeliveryAttempt is the outcome of a single dispatch.
type DeliveryAttempt struct {
	Method            DeliveryMethod
	Success           bool
	ProviderMessageID string
}

// DeliveryContext correlates the last dispatch to an actor with later
// inbound replies.
type DeliveryContext struct {
	Method    DeliveryMethod `json:"method"`
	Kind      PendingKind    `json:"kind"`
	MessageID string         `json:"message_id,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// Template is a pre-approved provider message that may be sent outside the
// free-form window.
type Template struct {
	Name       string
	Locale     string
	BodyParams []string
}

// Media is a binary artifact sent through the channel.
type Media struct {
	Data     []byte
	MIMEType string
	Filename string
	Caption  string
}
