package clients

import "encoding/json"

// Message types sent by windows.
const (
	TypeHello             = "hello"
	TypeNavigate          = "navigate"
	TypeNotificationClick = "notificationclick"
	TypeNotificationClose = "notificationclose"
)

// Message types sent by the agent.
const (
	TypeWelcome      = "welcome"
	TypeClaim        = "claim"
	TypeFocus        = "focus"
	TypeOpenWindow   = "openWindow"
	TypeNotification = "notification"
)

// Message is the single envelope used in both directions. ID is a window id
// for agent messages and a notification id for notification events.
type Message struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	URL        string          `json:"url,omitempty"`
	FrameType  string          `json:"frameType,omitempty"`
	Action     string          `json:"action,omitempty"`
	Controlled bool            `json:"controlled,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
