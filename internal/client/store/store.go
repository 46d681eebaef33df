package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/logger"
)

// Notification is the client-side view of a server notification.
type Notification struct {
	ID        string
	Kind      string
	Title     string
	Message   string
	Metadata  map[string]any
	IsRead    bool
	Processed bool
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Pagination mirrors the listing service's page descriptor.
type Pagination struct {
	Page          int
	Size          int
	TotalPages    int
	TotalElements int64
}

// State is a read-only snapshot of the store.
type State struct {
	Items       []Notification
	UnreadCount int
	Pagination  Pagination
	IsLoading   bool
	Err         error
}

// Remote is the listing service the store confirms its mutations against.
type Remote interface {
	List(ctx context.Context, page, size int) ([]Notification, Pagination, error)
	MarkRead(ctx context.Context, id string) error
	MarkUnread(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	MarkProcessed(ctx context.Context, id, status string) error
	Delete(ctx context.Context, id string) error
}

// Store holds the notification list, its derived unread count and the
// current page descriptor. It is the single merge point for REST page loads
// and injected push events; every mutation recomputes the unread count from
// the items so the counter can never drift.
type Store struct {
	mu     sync.Mutex
	remote Remote
	log    *zap.Logger

	state   State
	loadSeq uint64
}

// New constructs a Store backed by the supplied listing service.
func New(remote Remote) *Store {
	return &Store{
		remote: remote,
		log:    logger.WithModule("client.store"),
		state: State{
			Pagination: Pagination{Page: 1, Size: 20},
		},
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	out := s.state
	out.Items = copyItems(s.state.Items)
	return out
}

// LoadPage fetches one page from the listing service and replaces the items
// with it. Responses for superseded calls are discarded: the page requested
// last always wins regardless of arrival order.
func (s *Store) LoadPage(ctx context.Context, page, size int) error {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.state.IsLoading = true
	s.state.Err = nil
	s.mu.Unlock()

	items, pagination, err := s.remote.List(ctx, page, size)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.loadSeq {
		// A later LoadPage was issued while this one was in flight.
		s.log.Debug("discarding stale page result", zap.Int("page", page))
		return nil
	}
	s.state.IsLoading = false

	if err != nil {
		s.state.Err = err
		return apperrors.Wrap(err, "load notifications page")
	}

	s.state.Items = copyItems(items)
	s.state.Pagination = pagination
	s.recomputeUnreadLocked()
	return nil
}

// ApplyPushedNotification prepends a pushed notification, replacing in place
// when the id is already present.
func (s *Store) ApplyPushedNotification(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(n.ID); idx >= 0 {
		s.state.Items[idx] = n
	} else {
		s.state.Items = append([]Notification{n}, s.state.Items...)
	}
	s.recomputeUnreadLocked()
}

// ApplyPushedUpdate merges a partial patch into the item with the given id.
// Unknown ids are ignored: a partial patch never synthesizes an item. The
// metadata map is merged key by key so a partial metadata patch cannot erase
// unrelated fields.
func (s *Store) ApplyPushedUpdate(id string, patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	item := &s.state.Items[idx]

	for key, value := range patch {
		switch key {
		case "is_read":
			if v, ok := value.(bool); ok {
				item.IsRead = v
				if !v {
					item.ReadAt = nil
				}
			}
		case "processed":
			if v, ok := value.(bool); ok {
				item.Processed = v
			}
		case "title":
			if v, ok := value.(string); ok {
				item.Title = v
			}
		case "message":
			if v, ok := value.(string); ok {
				item.Message = v
			}
		case "kind":
			if v, ok := value.(string); ok {
				item.Kind = v
			}
		case "read_at":
			switch v := value.(type) {
			case nil:
				item.ReadAt = nil
			case string:
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					item.ReadAt = &t
				}
			case time.Time:
				item.ReadAt = &v
			}
		case "metadata":
			if patchMeta, ok := value.(map[string]any); ok {
				if item.Metadata == nil {
					item.Metadata = make(map[string]any, len(patchMeta))
				}
				for mk, mv := range patchMeta {
					item.Metadata[mk] = mv
				}
			}
		}
	}
	s.recomputeUnreadLocked()
}

// ApplyPushedDelete removes the item with the given id; unknown ids are ignored.
func (s *Store) ApplyPushedDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	s.state.Items = append(s.state.Items[:idx], s.state.Items[idx+1:]...)
	s.recomputeUnreadLocked()
}

// ApplyPushedReadAll marks every loaded item read without a remote call; it
// reflects a read-all performed elsewhere (another tab, another device).
func (s *Store) ApplyPushedReadAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := range s.state.Items {
		if !s.state.Items[i].IsRead {
			s.state.Items[i].IsRead = true
			s.state.Items[i].ReadAt = &now
		}
	}
	s.recomputeUnreadLocked()
}

// Clear resets the store to its empty state. Used when the session identity
// changes: the previous user's items must never leak into the next session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadSeq++
	s.state = State{Pagination: Pagination{Page: 1, Size: 20}}
}

// Find returns a copy of the item with the given id.
func (s *Store) Find(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Notification{}, false
	}
	return copyItem(s.state.Items[idx]), true
}

// MarkRead applies the read flag locally, then confirms it remotely. A
// remote failure rolls the single item back to its prior snapshot.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	prior := copyItem(s.state.Items[idx])
	now := time.Now()
	s.state.Items[idx].IsRead = true
	s.state.Items[idx].ReadAt = &now
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if err := s.remote.MarkRead(ctx, id); err != nil {
		s.restoreItem(prior)
		return err
	}
	return nil
}

// MarkUnread applies the unread flag locally and reports the remote call.
// Unlike the other mutations, a remote failure keeps the local transition;
// the list is reconciled on the next page load.
func (s *Store) MarkUnread(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	s.state.Items[idx].IsRead = false
	s.state.Items[idx].ReadAt = nil
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if err := s.remote.MarkUnread(ctx, id); err != nil {
		s.log.Warn("mark unread not confirmed remotely", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// MarkAllRead marks every loaded item read, rolling the whole list back when
// the remote call fails.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	prior := copyItems(s.state.Items)
	now := time.Now()
	for i := range s.state.Items {
		if !s.state.Items[i].IsRead {
			s.state.Items[i].IsRead = true
			s.state.Items[i].ReadAt = &now
		}
	}
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if err := s.remote.MarkAllRead(ctx); err != nil {
		s.mu.Lock()
		s.state.Items = prior
		s.recomputeUnreadLocked()
		s.mu.Unlock()
		return err
	}
	return nil
}

// MarkProcessed records a terminal decision on an actionable notification:
// processed and read flags set, decision status merged into metadata. The
// local transition is kept even when the remote call fails because the
// decision itself already succeeded; only the bookkeeping is stale.
func (s *Store) MarkProcessed(ctx context.Context, id, status string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	item := &s.state.Items[idx]
	now := time.Now()
	item.Processed = true
	item.IsRead = true
	item.ReadAt = &now
	if item.Metadata == nil {
		item.Metadata = make(map[string]any, 1)
	}
	item.Metadata["status"] = status
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if err := s.remote.MarkProcessed(ctx, id, status); err != nil {
		s.log.Warn("mark processed not confirmed remotely", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Remove deletes the item locally, then confirms it remotely. A remote
// failure reinserts the item at its prior position.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	prior := copyItem(s.state.Items[idx])
	priorIdx := idx
	s.state.Items = append(s.state.Items[:idx], s.state.Items[idx+1:]...)
	s.recomputeUnreadLocked()
	s.mu.Unlock()

	if err := s.remote.Delete(ctx, id); err != nil {
		s.mu.Lock()
		if priorIdx > len(s.state.Items) {
			priorIdx = len(s.state.Items)
		}
		s.state.Items = append(s.state.Items[:priorIdx],
			append([]Notification{prior}, s.state.Items[priorIdx:]...)...)
		s.recomputeUnreadLocked()
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) restoreItem(prior Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(prior.ID); idx >= 0 {
		s.state.Items[idx] = prior
	}
	s.recomputeUnreadLocked()
}

func (s *Store) indexLocked(id string) int {
	for i := range s.state.Items {
		if s.state.Items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recomputeUnreadLocked() {
	count := 0
	for i := range s.state.Items {
		if !s.state.Items[i].IsRead {
			count++
		}
	}
	s.state.UnreadCount = count
}

func copyItems(items []Notification) []Notification {
	out := make([]Notification, len(items))
	for i := range items {
		out[i] = copyItem(items[i])
	}
	return out
}

func copyItem(item Notification) Notification {
	out := item
	if item.Metadata != nil {
		out.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			out.Metadata[k] = v
		}
	}
	if item.ReadAt != nil {
		at := *item.ReadAt
		out.ReadAt = &at
	}
	return out
}
