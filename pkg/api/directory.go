package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/durranitech/chat-backend/pkg/cache"
	"github.com/durranitech/chat-backend/pkg/store"
)

// Queries shorter than this return an empty result without touching the
// store, matching the client behavior this service replaces.
const minSearchLen = 2

const searchCacheTTL = 30 * time.Second

// DirectoryService owns user profiles and search. It is decoupled from the
// message flow: nothing here publishes to conversation scopes.
type DirectoryService struct {
	store store.Store
	cache cache.Cache
	now   func() int64
}

func NewDirectoryService(st store.Store, ca cache.Cache) *DirectoryService {
	return &DirectoryService{
		store: st,
		cache: ca,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateProfile registers the user's directory record. The identity
// collaborator owns credentials; this only stores the profile. Re-registering
// replaces the record, which keeps registration idempotent.
func (s *DirectoryService) CreateProfile(ctx context.Context, user User) (User, error) {
	if user.UserID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = s.now()
	}
	if err := s.store.Put(ctx, colUsers, user.UserID, user); err != nil {
		return User{}, fmt.Errorf("%w: storing profile: %v", ErrUnavailable, err)
	}
	return user, nil
}

func (s *DirectoryService) GetProfile(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.store.Get(ctx, colUsers, userID, &user)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: reading profile %s: %v", ErrUnavailable, userID, err)
	}
	return user, nil
}

// UpdateProfile merges the allowed fields into the stored profile and
// returns the result.
func (s *DirectoryService) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (User, error) {
	partial := make(map[string]any)
	if patch.DisplayName != nil {
		partial["displayName"] = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		partial["avatarUrl"] = *patch.AvatarURL
	}
	if len(partial) == 0 {
		return User{}, fmt.Errorf("%w: profile patch contains no updatable fields", ErrValidation)
	}

	err := s.store.Update(ctx, colUsers, userID, partial)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: updating profile %s: %v", ErrUnavailable, userID, err)
	}
	return s.GetProfile(ctx, userID)
}

// Search matches the query case-insensitively against display names and
// emails, excluding the requesting user. No match is an empty result, not an
// error.
func (s *DirectoryService) Search(ctx context.Context, query, excludeUserID string) ([]User, error) {
	query = strings.TrimSpace(query)
	if len(query) < minSearchLen {
		return []User{}, nil
	}

	users, ok := s.cachedSearch(ctx, query)
	if !ok {
		docs, err := s.store.Query(ctx, colUsers, matchesQuery(query), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: searching users: %v", ErrUnavailable, err)
		}
		users = make([]User, 0, len(docs))
		for _, doc := range docs {
			var user User
			if err := json.Unmarshal(doc, &user); err != nil {
				return nil, fmt.Errorf("decoding user: %w", err)
			}
			users = append(users, user)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
		s.storeSearch(ctx, query, users)
	}

	results := make([]User, 0, len(users))
	for _, user := range users {
		if user.UserID != excludeUserID {
			results = append(results, user)
		}
	}
	return results, nil
}

// cachedSearch returns the cached, unexcluded result set for the query. The
// exclusion is applied per caller so the cache entry is shareable.
func (s *DirectoryService) cachedSearch(ctx context.Context, query string) ([]User, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, searchCacheKey(query))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			log.Printf("User search cache read failed: %v", err)
		}
		return nil, false
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, false
	}
	return users, true
}

func (s *DirectoryService) storeSearch(ctx context.Context, query string, users []User) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(users)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, searchCacheKey(query), raw, searchCacheTTL); err != nil {
		log.Printf("User search cache write failed: %v", err)
	}
}

func searchCacheKey(query string) string {
	return "user-search:" + strings.ToLower(query)
}

func matchesQuery(query string) store.Filter {
	query = strings.ToLower(query)
	return func(doc json.RawMessage) bool {
		var user User
		if err := json.Unmarshal(doc, &user); err != nil {
			return false
		}
		return strings.Contains(strings.ToLower(user.DisplayName), query) ||
			strings.Contains(strings.ToLower(user.Email), query)
	}
}
