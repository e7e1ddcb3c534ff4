// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/durranitech/chat-backend/pkg/api"
	"github.com/durranitech/chat-backend/pkg/middleware"
	"github.com/durranitech/chat-backend/pkg/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscription request types sent by the peer.
const (
	SubscribeConversation     = 1
	SubscribeConversationList = 2
	Unsubscribe               = 3
)

type subscribeRequest struct {
	RequestType    int    `json:"requestType"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Client is a middleman between the websocket connection and the
// subscription registry: it upgrades the connection into the push channel
// the subscribe operations deliver on.
type Client struct {
	server *Server

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the authenticated user.
	userID string

	mu   sync.Mutex
	subs map[string]*registry.Subscription // scope -> subscription

	// forwarders tracks the per-subscription forwarding goroutines so the
	// outbound channel is only closed after the last of them finished.
	forwarders sync.WaitGroup
}

func newClient(server *Server, conn *websocket.Conn, userID string) *Client {
	return &Client{
		server: server,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		subs:   make(map[string]*registry.Subscription),
	}
}

// ReadPump pumps subscription requests from the websocket connection into
// the registry.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.unsubscribeAll()
		if err := c.conn.Close(); err != nil {
			log.Printf("Could not close network connection: %v", err)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Unable to set read deadline: %v", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Printf("Could not process subscription request: %v", err)
			continue
		}

		switch req.RequestType {
		case SubscribeConversation:
			c.subscribeConversation(req.ConversationID)
		case SubscribeConversationList:
			c.subscribeConversationList()
		case Unsubscribe:
			scope := registry.ConversationListScope(c.userID)
			if req.ConversationID != "" {
				scope = registry.ConversationScope(req.ConversationID)
			}
			c.unsubscribe(scope)
		}
	}
}

// WritePump pumps messages from the registry to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued events to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribeConversation attaches the client to a conversation scope after
// checking it participates in the conversation. The snapshot carries the
// full message history; incremental message and summary events follow.
func (c *Client) subscribeConversation(conversationID string) {
	ctx := context.Background()

	conversation, err := c.server.conversations.Get(ctx, conversationID)
	if err != nil {
		c.sendEvent(api.Event{Type: api.EventError, Reason: err.Error()})
		return
	}
	participates := false
	for _, participant := range conversation.Participants {
		if participant == c.userID {
			participates = true
		}
	}
	if !participates {
		c.sendEvent(api.Event{Type: api.EventError, Reason: "not a participant of conversation " + conversationID})
		return
	}

	scope := registry.ConversationScope(conversationID)
	c.attach(scope, func() ([]any, error) {
		messages, err := c.server.messages.List(ctx, conversationID, c.userID)
		if err != nil {
			return nil, err
		}
		return []any{api.Event{Type: api.EventSnapshot, Messages: messages}}, nil
	})
}

// subscribeConversationList attaches the client to its own conversation-list
// scope, snapshotting the current list first.
func (c *Client) subscribeConversationList() {
	ctx := context.Background()

	scope := registry.ConversationListScope(c.userID)
	c.attach(scope, func() ([]any, error) {
		conversations, err := c.server.conversations.List(ctx, c.userID)
		if err != nil {
			return nil, err
		}
		return []any{api.Event{Type: api.EventSnapshot, Conversations: conversations}}, nil
	})
}

func (c *Client) attach(scope string, snapshot func() ([]any, error)) {
	c.mu.Lock()
	if _, exists := c.subs[scope]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.server.registry.Subscribe(scope, snapshot)
	if err != nil {
		c.sendEvent(api.Event{Type: api.EventError, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.subs[scope] = sub
	c.mu.Unlock()

	c.forwarders.Add(1)
	go c.forward(scope, sub)
}

// forward drains one subscription into the connection's outbound buffer.
// When the registry drops the subscription for falling behind, the peer is
// told so before the stream ends.
func (c *Client) forward(scope string, sub *registry.Subscription) {
	defer c.forwarders.Done()

	for ev := range sub.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("Could not encode event for scope %s: %v", scope, err)
			continue
		}
		select {
		case c.send <- payload:
		default:
			// The connection itself cannot keep up; closing it ends both
			// pumps and releases every subscription.
			_ = c.conn.Close()
			return
		}
	}

	if errors.Is(sub.Err(), registry.ErrSlowSubscriber) {
		c.sendEvent(api.Event{Type: api.EventDisconnected, Reason: "subscription to " + scope + " fell behind"})
		c.mu.Lock()
		delete(c.subs, scope)
		c.mu.Unlock()
	}
}

func (c *Client) sendEvent(ev api.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) unsubscribe(scope string) {
	c.mu.Lock()
	sub := c.subs[scope]
	delete(c.subs, scope)
	c.mu.Unlock()
	if sub != nil {
		c.server.registry.Unsubscribe(sub)
	}
}

// unsubscribeAll releases every scope held by the connection. Closing the
// socket therefore cancels all of the client's subscriptions.
func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*registry.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.registry.Unsubscribe(sub)
	}
	c.forwarders.Wait()
	close(c.send)
}

// ServeWs handles websocket requests from the peer.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UserID(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println(err)
			return
		}

		client := newClient(s, conn, uid)

		// Allow collection of memory referenced by the caller by doing all
		// work in new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}
