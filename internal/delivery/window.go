package delivery

import (
	"time"

	"sales-assistant/internal/domain"
)

// Window is how long after an actor's last inbound message the channel
// accepts free-form text to them.
const Window = 24 * time.Hour

// CanSendFreeform reports whether the actor wrote to us strictly less than
// Window ago. A missing or unreadable timestamp means the window is closed.
func CanSendFreeform(actor domain.Actor, now time.Time) bool {
	last, ok := actor.LastInboundAt()
	if !ok {
		return false
	}
	return last.After(now.Add(-Window))
}
