package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/durranitech/chat-backend/pkg/registry"
	"github.com/durranitech/chat-backend/pkg/store"
)

const (
	// Summary updates retry this many times after the message itself is
	// durably stored.
	summaryRetries = 3

	defaultBackoff = 50 * time.Millisecond
)

// MessageService appends messages and tracks read state. Sends to the same
// conversation are linearized under a per-conversation lock, so every
// subscriber observes them in acceptance order; different conversations
// proceed in parallel.
type MessageService struct {
	store    store.Store
	registry *registry.Registry

	mu    sync.Mutex
	locks map[string]*convLock // conversationId -> send lock

	seq     atomic.Uint64 // acceptance order, tie-break for equal timestamps
	now     func() int64
	backoff time.Duration
}

func NewMessageService(st store.Store, reg *registry.Registry) *MessageService {
	return &MessageService{
		store:    st,
		registry: reg,
		locks:    make(map[string]*convLock),
		now:      func() int64 { return time.Now().UnixMilli() },
		backoff:  defaultBackoff,
	}
}

// Send validates, appends and fans out one message. The append is the
// durability source of truth: once it succeeds the message exists even if
// the caller disconnects. The conversation summary is a cache updated
// afterwards with bounded retries; exhausting them surfaces ErrUnavailable
// without un-writing the message.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("%w: message content is empty", ErrValidation)
	}

	lock := s.lockConversation(conversationID)
	defer s.unlockConversation(conversationID, lock)

	var conversation Conversation
	err := s.store.Get(ctx, colConversations, conversationID, &conversation)
	if errors.Is(err, store.ErrNotFound) {
		return Message{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: reading conversation %s: %v", ErrUnavailable, conversationID, err)
	}
	if !isParticipant(conversation, senderID) {
		return Message{}, fmt.Errorf("%w: sender %s is not a participant of conversation %s", ErrValidation, senderID, conversationID)
	}

	message := Message{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      s.now(),
		Seq:            s.seq.Add(1),
	}

	if err := s.store.Put(ctx, colMessages, message.MessageID, message); err != nil {
		return Message{}, fmt.Errorf("%w: storing message: %v", ErrUnavailable, err)
	}

	// Published under the conversation lock so scope order matches
	// acceptance order. The message event goes out as soon as the append
	// committed: subscribers must not miss a stored message because the
	// summary update below fails.
	s.registry.Publish(registry.ConversationScope(conversationID), Event{
		Type:    EventMessage,
		Message: &message,
	})

	if err := s.updateSummary(ctx, message); err != nil {
		// The message is already committed; the caller learns the summary is
		// stale, not that the send was lost.
		log.Printf("Message %s stored but summary update failed: %v", message.MessageID, err)
		return Message{}, fmt.Errorf("%w: message %s accepted but conversation summary update failed", ErrUnavailable, message.MessageID)
	}

	conversation.LastMessage = message.Content
	conversation.LastMessageSenderID = message.SenderID
	conversation.LastMessageTimestamp = message.Timestamp

	s.registry.Publish(registry.ConversationScope(conversationID), Event{
		Type:         EventSummaryChanged,
		Conversation: &conversation,
	})
	for _, participant := range conversation.Participants {
		s.registry.Publish(registry.ConversationListScope(participant), Event{
			Type:         EventConversationChanged,
			Conversation: &conversation,
		})
	}
	return message, nil
}

// List returns the conversation's messages ascending by timestamp, ties in
// acceptance order. Only participants may read a conversation.
func (s *MessageService) List(ctx context.Context, conversationID, userID string) ([]Message, error) {
	var conversation Conversation
	err := s.store.Get(ctx, colConversations, conversationID, &conversation)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading conversation %s: %v", ErrUnavailable, conversationID, err)
	}
	if !isParticipant(conversation, userID) {
		return nil, fmt.Errorf("%w: user %s is not a participant of conversation %s", ErrValidation, userID, conversationID)
	}

	docs, err := s.store.Query(ctx, colMessages, inConversation(conversationID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listing messages: %v", ErrUnavailable, err)
	}

	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var message Message
		if err := json.Unmarshal(doc, &message); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		messages = append(messages, message)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].Seq < messages[j].Seq
	})
	return messages, nil
}

// MarkRead sets the message's read flag. Calling it again once the flag is
// set is a no-op, not an error. Only participants of the message's
// conversation may set the flag.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string) error {
	var message Message
	err := s.store.Get(ctx, colMessages, messageID, &message)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return fmt.Errorf("%w: reading message %s: %v", ErrUnavailable, messageID, err)
	}

	var conversation Conversation
	if err := s.store.Get(ctx, colConversations, message.ConversationID, &conversation); err != nil {
		return fmt.Errorf("%w: reading conversation %s: %v", ErrUnavailable, message.ConversationID, err)
	}
	if !isParticipant(conversation, userID) {
		return fmt.Errorf("%w: user %s is not a participant of conversation %s", ErrValidation, userID, message.ConversationID)
	}

	if message.IsRead {
		return nil
	}

	if err := s.store.Update(ctx, colMessages, messageID, map[string]any{"isRead": true}); err != nil {
		return fmt.Errorf("%w: marking message %s read: %v", ErrUnavailable, messageID, err)
	}

	// Receivers watching the conversation see the receipt as a re-published
	// message carrying the updated flag.
	message.IsRead = true
	s.registry.Publish(registry.ConversationScope(message.ConversationID), Event{
		Type:    EventMessage,
		Message: &message,
	})
	return nil
}

// updateSummary refreshes the conversation's denormalized last-message
// fields from already-committed message data, retrying transient failures.
func (s *MessageService) updateSummary(ctx context.Context, message Message) error {
	partial := map[string]any{
		"lastMessage":          message.Content,
		"lastMessageSenderId":  message.SenderID,
		"lastMessageTimestamp": message.Timestamp,
	}

	var err error
	for attempt := 0; attempt <= summaryRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.backoff)
		}
		err = s.store.Update(ctx, colConversations, message.ConversationID, partial)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
		log.Printf("Retrying summary update for conversation %s (attempt %d): %v", message.ConversationID, attempt+1, err)
	}
	return err
}

// convLock is a send lock with a count of holders and waiters, so the lock
// map only retains entries for conversations with a send in flight.
type convLock struct {
	mu   sync.Mutex
	refs int
}

func (s *MessageService) lockConversation(conversationID string) *convLock {
	s.mu.Lock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &convLock{}
		s.locks[conversationID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *MessageService) unlockConversation(conversationID string, lock *convLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, conversationID)
	}
	s.mu.Unlock()
}

func isParticipant(conversation Conversation, userID string) bool {
	for _, participant := range conversation.Participants {
		if participant == userID {
			return true
		}
	}
	return false
}

func inConversation(conversationID string) store.Filter {
	return func(doc json.RawMessage) bool {
		var message Message
		if err := json.Unmarshal(doc, &message); err != nil {
			return false
		}
		return message.ConversationID == conversationID
	}
}
