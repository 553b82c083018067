// Package subscription keeps the set of repositories being watched and the
// kinds tracked for each.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"reposentinel/internal/update"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrExists   = errors.New("subscription already exists")
)

// DefaultKinds are tracked when a subscription names none.
var DefaultKinds = []update.Kind{update.KindCommit, update.KindIssue}

var reEntity = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*/[A-Za-z0-9._-]+$`)

type Subscription struct {
	Entity string
	Kinds  []update.Kind
}

// Tracks reports whether kind is tracked.
func (s Subscription) Tracks(kind update.Kind) bool { return slices.Contains(s.Kinds, kind) }

// Lister is what the cycle driver needs.
type Lister interface {
	List(ctx context.Context) ([]Subscription, error)
}

// ParseEntity validates "owner/repo" and returns it lower-cased, so the
// ledger key does not depend on how the repository was spelled. Accepts a
// github.com URL as a convenience.
func ParseEntity(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "github.com/")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	if !reEntity.MatchString(s) {
		return "", fmt.Errorf("invalid repository %q (want owner/repo)", raw)
	}
	return s, nil
}

// New builds a Subscription from config spellings.
func New(repo string, track []string) (Subscription, error) {
	entity, err := ParseEntity(repo)
	if err != nil {
		return Subscription{}, err
	}
	kinds, err := update.ParseKinds(track)
	if err != nil {
		return Subscription{}, fmt.Errorf("%s: %w", entity, err)
	}
	if len(kinds) == 0 {
		kinds = slices.Clone(DefaultKinds)
	}
	return Subscription{Entity: entity, Kinds: kinds}, nil
}

// Store is a mutex-guarded, ordered subscription list. Entities are compared
// case-insensitively, as GitHub does, and stored lower-cased.
type Store struct {
	mu   sync.RWMutex
	subs []Subscription
}

// NewStore seeds a store. Duplicate entities are rejected.
func NewStore(subs []Subscription) (*Store, error) {
	s := &Store{}
	if err := s.Replace(subs); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexLocked(entity string) int {
	for i, sub := range s.subs {
		if strings.EqualFold(sub.Entity, entity) {
			return i
		}
	}
	return -1
}

// List returns a copy in insertion order.
func (s *Store) List(_ context.Context) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, len(s.subs))
	for i, sub := range s.subs {
		out[i] = Subscription{Entity: sub.Entity, Kinds: slices.Clone(sub.Kinds)}
	}
	return out, nil
}

func (s *Store) Get(entity string) (Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(entity)
	if i < 0 {
		return Subscription{}, fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	sub := s.subs[i]
	return Subscription{Entity: sub.Entity, Kinds: slices.Clone(sub.Kinds)}, nil
}

func (s *Store) Add(sub Subscription) error {
	sub, err := normalize(sub)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(sub.Entity) >= 0 {
		return fmt.Errorf("%s: %w", sub.Entity, ErrExists)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Update replaces the tracked kinds of an existing subscription.
func (s *Store) Update(entity string, kinds []update.Kind) error {
	sub, err := normalize(Subscription{Entity: entity, Kinds: kinds})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(sub.Entity)
	if i < 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	s.subs[i].Kinds = sub.Kinds
	return nil
}

func (s *Store) Remove(entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(strings.TrimSpace(entity))
	if i < 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	s.subs = slices.Delete(s.subs, i, i+1)
	return nil
}

// Replace swaps the whole list atomically (config reload).
func (s *Store) Replace(subs []Subscription) error {
	next := make([]Subscription, 0, len(subs))
	seen := map[string]bool{}
	for _, sub := range subs {
		n, err := normalize(sub)
		if err != nil {
			return err
		}
		k := strings.ToLower(n.Entity)
		if seen[k] {
			return fmt.Errorf("%s: %w", n.Entity, ErrExists)
		}
		seen[k] = true
		next = append(next, n)
	}
	s.mu.Lock()
	s.subs = next
	s.mu.Unlock()
	return nil
}

func normalize(sub Subscription) (Subscription, error) {
	entity, err := ParseEntity(sub.Entity)
	if err != nil {
		return Subscription{}, err
	}
	kinds := make([]update.Kind, 0, len(sub.Kinds))
	for _, k := range sub.Kinds {
		if !k.Valid() {
			return Subscription{}, fmt.Errorf("%s: unknown kind %q", entity, k)
		}
		if !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		kinds = slices.Clone(DefaultKinds)
	}
	return Subscription{Entity: entity, Kinds: kinds}, nil
}
