package model

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionClosed SessionStatus = "closed"
)

type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Visitor holds the progressively supplied contact details for a session.
// Empty fields mean "not provided yet" and never overwrite stored values.
type Visitor struct {
	Name  string
	Email string
	Phone string
}

type Session struct {
	SessionID      string
	ExternalChatID *string
	Status         SessionStatus
	Visitor        Visitor
	CreatedAt      int64
	UpdatedAt      int64
	LastMessageAt  int64
	ClosedAt       int64
}

type Message struct {
	ID                int64
	SessionID         string
	SenderType        SenderType
	Content           string
	ExternalMessageID *string
	SenderID          string
	Status            MessageStatus
	CreatedAt         int64
}

// Token is the persisted credential state for one grant configuration.
// Rows are overwritten in place on refresh.
type Token struct {
	Key          string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    int64
}

type Subscription struct {
	ID           string
	EventFilters []string
	WebhookURL   string
	ExpiresAt    int64
}
