package api

// Store collections owned by the messaging core.
const (
	colUsers         = "users"
	colConversations = "conversations"
	colPairs         = "conversation_pairs"
	colMessages      = "messages"
)

type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
	CreatedAt   int64  `json:"createdAt"`
}

// Conversation is the mutable summary record for a two-party chat. The
// lastMessage fields are a denormalized cache of the newest message, kept for
// list-view rendering.
type Conversation struct {
	ConversationID       string   `json:"conversationId"`
	Participants         []string `json:"participants"`
	LastMessage          string   `json:"lastMessage"`
	LastMessageSenderID  string   `json:"lastMessageSenderId"`
	LastMessageTimestamp int64    `json:"lastMessageTimestamp"`
}

// Message is immutable once accepted, except for IsRead. Timestamp is
// assigned server-side at acceptance; Seq breaks timestamp ties in
// acceptance order.
type Message struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Seq            uint64 `json:"seq"`
	IsRead         bool   `json:"isRead"`
}

// pairRef maps an unordered participant pair to its single conversation.
type pairRef struct {
	ConversationID string `json:"conversationId"`
}

// ProfilePatch carries the profile fields a user may change. Nil fields are
// left untouched.
type ProfilePatch struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

// Event types pushed to subscribers.
const (
	EventSnapshot            = "snapshot"
	EventMessage             = "message"
	EventSummaryChanged      = "summaryChanged"
	EventConversationChanged = "conversationChanged"
	EventDisconnected        = "disconnected"
	EventError               = "error"
)

// Event is the unit delivered on a subscription's push channel.
type Event struct {
	Type          string         `json:"type"`
	Message       *Message       `json:"message,omitempty"`
	Conversation  *Conversation  `json:"conversation,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
	Conversations []Conversation `json:"conversations,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// pairKey builds the deterministic key for an unordered participant pair.
func pairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}
