package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durranitech/chat-backend/pkg/registry"
	"github.com/durranitech/chat-backend/pkg/store"
)

type messageFixture struct {
	store         *store.Memory
	registry      *registry.Registry
	conversations *ConversationService
	messages      *MessageService
}

func newMessageFixture() *messageFixture {
	st := store.NewMemory()
	reg := registry.NewWithBuffer(512)
	f := &messageFixture{
		store:         st,
		registry:      reg,
		conversations: NewConversationService(st, reg),
		messages:      NewMessageService(st, reg),
	}
	f.messages.backoff = time.Millisecond
	return f
}

func (f *messageFixture) conversation(t *testing.T) string {
	t.Helper()
	id, err := f.conversations.CreateOrGet(context.Background(), "alice", "bob")
	require.NoError(t, err)
	return id
}

func TestSendRejectsBlankContent(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	for _, content := range []string{"", "   ", "\n\t "} {
		_, err := f.messages.Send(ctx, conversationID, "alice", content)
		assert.ErrorIs(t, err, ErrValidation)
	}

	// Nothing was stored.
	messages, err := f.messages.List(ctx, conversationID, "alice")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendToMissingConversation(t *testing.T) {
	f := newMessageFixture()

	_, err := f.messages.Send(context.Background(), "ghost", "alice", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendRejectsNonParticipant(t *testing.T) {
	f := newMessageFixture()
	conversationID := f.conversation(t)

	_, err := f.messages.Send(context.Background(), conversationID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSendAssignsServerTimestamp(t *testing.T) {
	f := newMessageFixture()
	f.messages.now = func() int64 { return 4242 }
	ctx := context.Background()
	conversationID := f.conversation(t)

	message, err := f.messages.Send(ctx, conversationID, "alice", "  hello  ")
	require.NoError(t, err)
	assert.NotEmpty(t, message.MessageID)
	assert.Equal(t, int64(4242), message.Timestamp)
	assert.Equal(t, "hello", message.Content, "content is trimmed")
	assert.False(t, message.IsRead)
}

func TestSendUpdatesSummary(t *testing.T) {
	f := newMessageFixture()
	f.messages.now = func() int64 { return 777 }
	ctx := context.Background()
	conversationID := f.conversation(t)

	_, err := f.messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)

	conversation, err := f.conversations.Get(ctx, conversationID)
	require.NoError(t, err)
	assert.Equal(t, "hi", conversation.LastMessage)
	assert.Equal(t, "alice", conversation.LastMessageSenderID)
	assert.Equal(t, int64(777), conversation.LastMessageTimestamp)
}

func TestListMessagesAscending(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	// A frozen clock forces every message onto the same timestamp, so the
	// order is carried entirely by acceptance sequence.
	f.messages.now = func() int64 { return 1000 }

	const n = 10
	for i := 0; i < n; i++ {
		_, err := f.messages.Send(ctx, conversationID, "alice", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	messages, err := f.messages.List(ctx, conversationID, "alice")
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, message := range messages {
		assert.Equal(t, fmt.Sprintf("message %d", i), message.Content)
		if i > 0 {
			assert.Less(t, messages[i-1].Seq, message.Seq)
		}
	}
}

func TestListMessagesMissingConversation(t *testing.T) {
	f := newMessageFixture()

	_, err := f.messages.List(context.Background(), "ghost", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribersObserveAcceptanceOrder(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	sub, err := f.registry.Subscribe(registry.ConversationScope(conversationID), nil)
	require.NoError(t, err)

	const perSender = 20
	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.messages.Send(ctx, conversationID, sender, fmt.Sprintf("%s %d", sender, i))
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	var observed []Message
	for len(observed) < 2*perSender {
		ev := (<-sub.Events()).(Event)
		if ev.Type == EventMessage {
			observed = append(observed, *ev.Message)
		}
	}

	stored, err := f.messages.List(ctx, conversationID, "alice")
	require.NoError(t, err)
	require.Len(t, stored, 2*perSender)

	// Every subscriber sees messages in exactly the order they were
	// accepted, which is also the stored order.
	for i, message := range stored {
		assert.Equal(t, message.MessageID, observed[i].MessageID)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	message, err := f.messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)

	require.NoError(t, f.messages.MarkRead(ctx, message.MessageID, "bob"))
	require.NoError(t, f.messages.MarkRead(ctx, message.MessageID, "bob"))

	messages, err := f.messages.List(ctx, conversationID, "alice")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsRead)
}

func TestMarkReadMissingMessage(t *testing.T) {
	f := newMessageFixture()

	err := f.messages.MarkRead(context.Background(), "ghost", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendNotifiesSubscribedParticipant(t *testing.T) {
	f := newMessageFixture()
	f.messages.now = func() int64 { return 555 }
	ctx := context.Background()

	conversationID, err := f.conversations.CreateOrGet(ctx, "alice", "bob")
	require.NoError(t, err)

	bobList, err := f.registry.Subscribe(registry.ConversationListScope("bob"), nil)
	require.NoError(t, err)

	_, err = f.messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)

	ev := (<-bobList.Events()).(Event)
	assert.Equal(t, EventConversationChanged, ev.Type)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, conversationID, ev.Conversation.ConversationID)
	assert.Equal(t, "hi", ev.Conversation.LastMessage)
	assert.Equal(t, "alice", ev.Conversation.LastMessageSenderID)
	assert.Equal(t, int64(555), ev.Conversation.LastMessageTimestamp)
}

// flakyStore fails a fixed number of Update calls before recovering.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	updates  int
}

func (f *flakyStore) Update(ctx context.Context, collection, key string, partial map[string]any) error {
	f.mu.Lock()
	f.updates++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return fmt.Errorf("%w: injected failure", store.ErrUnavailable)
	}
	return f.Store.Update(ctx, collection, key, partial)
}

func TestSummaryUpdateRetriesAfterTransientFailure(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failures: 2}
	reg := registry.NewWithBuffer(64)

	conversations := NewConversationService(mem, reg)
	messages := NewMessageService(flaky, reg)
	messages.backoff = time.Millisecond

	ctx := context.Background()
	conversationID, err := conversations.CreateOrGet(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.updates, "two failed attempts plus the success")

	conversation, err := conversations.Get(ctx, conversationID)
	require.NoError(t, err)
	assert.Equal(t, "hi", conversation.LastMessage)
}

func TestSummaryUpdateExhaustionKeepsMessage(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failures: 100}
	reg := registry.NewWithBuffer(64)

	conversations := NewConversationService(mem, reg)
	messages := NewMessageService(flaky, reg)
	messages.backoff = time.Millisecond

	ctx := context.Background()
	conversationID, err := conversations.CreateOrGet(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = messages.Send(ctx, conversationID, "alice", "hi")
	assert.ErrorIs(t, err, ErrUnavailable)

	// Durability over the summary cache: the message itself survived.
	stored, err := messages.List(ctx, conversationID, "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi", stored[0].Content)
}

func TestListRejectsNonParticipant(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	_, err := f.messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)

	_, err = f.messages.List(ctx, conversationID, "mallory")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMarkReadRejectsNonParticipant(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	message, err := f.messages.Send(ctx, conversationID, "alice", "hi")
	require.NoError(t, err)

	err = f.messages.MarkRead(ctx, message.MessageID, "mallory")
	assert.ErrorIs(t, err, ErrValidation)

	messages, err := f.messages.List(ctx, conversationID, "bob")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.False(t, messages[0].IsRead)
}

func TestSummaryUpdateExhaustionStillNotifiesSubscribers(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failures: 100}
	reg := registry.NewWithBuffer(64)

	conversations := NewConversationService(mem, reg)
	messages := NewMessageService(flaky, reg)
	messages.backoff = time.Millisecond

	ctx := context.Background()
	conversationID, err := conversations.CreateOrGet(ctx, "alice", "bob")
	require.NoError(t, err)

	sub, err := reg.Subscribe(registry.ConversationScope(conversationID), nil)
	require.NoError(t, err)

	_, err = messages.Send(ctx, conversationID, "alice", "hi")
	assert.ErrorIs(t, err, ErrUnavailable)

	// The append committed, so subscribers hear about the message even
	// though the summary never updated.
	ev := (<-sub.Events()).(Event)
	require.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "hi", ev.Message.Content)
}

func TestSendLocksAreReleasedWhenIdle(t *testing.T) {
	f := newMessageFixture()
	ctx := context.Background()
	conversationID := f.conversation(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.messages.Send(ctx, conversationID, "alice", fmt.Sprintf("m %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	f.messages.mu.Lock()
	held := len(f.messages.locks)
	f.messages.mu.Unlock()
	assert.Zero(t, held, "idle conversations retain no lock entries")
}
