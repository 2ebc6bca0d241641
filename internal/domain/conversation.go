package domain

import (
	"strings"
	"time"
)

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	TurnRoleSystem    TurnRole = "system"
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationKey derives the key of the exchange between a resource (an
// instance name) and a counterpart (a phone number or WhatsApp JID).
// The JID server suffix is dropped so "+1555@s.whatsapp.net" and "+1555"
// resolve to the same conversation.
func ConversationKey(resource, counterpart string) string {
	resource = strings.TrimSpace(resource)
	counterpart = strings.TrimSpace(counterpart)
	if at := strings.IndexByte(counterpart, '@'); at >= 0 {
		counterpart = counterpart[:at]
	}
	return resource + "-" + counterpart
}
