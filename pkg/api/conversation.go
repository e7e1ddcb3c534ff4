package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/durranitech/chat-backend/pkg/registry"
	"github.com/durranitech/chat-backend/pkg/store"
)

// ConversationService creates and lists two-party conversations. At most one
// conversation exists per unordered participant pair; the uniqueness is
// enforced by a conditional put on the pair key, so concurrent creates from
// both participants converge on the first writer's conversation.
type ConversationService struct {
	store    store.Store
	registry *registry.Registry
	now      func() int64
}

func NewConversationService(st store.Store, reg *registry.Registry) *ConversationService {
	return &ConversationService{
		store:    st,
		registry: reg,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateOrGet returns the id of the conversation between the two users,
// creating it with an empty summary if absent. A losing concurrent writer
// receives the winner's id rather than an error.
func (s *ConversationService) CreateOrGet(ctx context.Context, userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", fmt.Errorf("%w: both participant ids are required", ErrValidation)
	}
	if userA == userB {
		return "", fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}

	key := pairKey(userA, userB)

	var ref pairRef
	err := s.store.Get(ctx, colPairs, key, &ref)
	if err == nil {
		return ref.ConversationID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: looking up conversation: %v", ErrUnavailable, err)
	}

	conversation := Conversation{
		ConversationID:       uuid.NewString(),
		Participants:         []string{userA, userB},
		LastMessageTimestamp: s.now(),
	}

	// The conversation document is written before the pair key so a pair key
	// only ever points at a stored conversation. A candidate whose pair
	// registration does not go through is removed again.
	if err := s.store.Put(ctx, colConversations, conversation.ConversationID, conversation); err != nil {
		return "", fmt.Errorf("%w: storing conversation: %v", ErrUnavailable, err)
	}

	// The pair key is the uniqueness source of truth: first writer wins.
	err = s.store.Create(ctx, colPairs, key, pairRef{ConversationID: conversation.ConversationID})
	if errors.Is(err, store.ErrConflict) {
		s.discardCandidate(ctx, conversation.ConversationID, key)
		if err := s.store.Get(ctx, colPairs, key, &ref); err != nil {
			return "", fmt.Errorf("%w: reading winning conversation: %v", ErrUnavailable, err)
		}
		return ref.ConversationID, nil
	}
	if err != nil {
		s.discardCandidate(ctx, conversation.ConversationID, key)
		return "", fmt.Errorf("%w: registering conversation pair: %v", ErrUnavailable, err)
	}
	log.Printf("Created conversation %s for pair %s", conversation.ConversationID, key)

	for _, participant := range conversation.Participants {
		s.registry.Publish(registry.ConversationListScope(participant), Event{
			Type:         EventConversationChanged,
			Conversation: &conversation,
		})
	}
	return conversation.ConversationID, nil
}

// discardCandidate removes a conversation document whose pair registration
// did not win or did not complete. Best effort: a leftover document has no
// pair key, so createOrGet never resolves to it.
func (s *ConversationService) discardCandidate(ctx context.Context, conversationID, key string) {
	if err := s.store.Delete(ctx, colConversations, conversationID); err != nil {
		log.Printf("Could not discard candidate conversation %s for pair %s: %v", conversationID, key, err)
	}
}

// List returns every conversation the user participates in, newest activity
// first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	docs, err := s.store.Query(ctx, colConversations, hasParticipant(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listing conversations: %v", ErrUnavailable, err)
	}

	conversations := make([]Conversation, 0, len(docs))
	for _, doc := range docs {
		var conversation Conversation
		if err := json.Unmarshal(doc, &conversation); err != nil {
			return nil, fmt.Errorf("decoding conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastMessageTimestamp > conversations[j].LastMessageTimestamp
	})
	return conversations, nil
}

// Get returns a single conversation record.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.store.Get(ctx, colConversations, conversationID, &conversation)
	if errors.Is(err, store.ErrNotFound) {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: reading conversation %s: %v", ErrUnavailable, conversationID, err)
	}
	return conversation, nil
}

func hasParticipant(userID string) store.Filter {
	return func(doc json.RawMessage) bool {
		var conversation Conversation
		if err := json.Unmarshal(doc, &conversation); err != nil {
			return false
		}
		for _, participant := range conversation.Participants {
			if participant == userID {
				return true
			}
		}
		return false
	}
}
