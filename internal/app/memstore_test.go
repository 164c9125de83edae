package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"curator/api/internal/pattern"
	"curator/api/internal/store"
)

// memStore is an in-memory dataStore with the same state-transition rules as
// the Postgres implementation, so workflow tests can drive the service
// end to end without a database.
type memStore struct {
	mu      sync.Mutex
	nextID  int
	posts   map[string]*store.Post
	edits   map[string]*store.PostEdit
	history map[string]*store.EditHistoryEntry
	globals map[string]*store.GlobalEdit
}

func newMemStore() *memStore {
	return &memStore{
		posts:   map[string]*store.Post{},
		edits:   map[string]*store.PostEdit{},
		history: map[string]*store.EditHistoryEntry{},
		globals: map[string]*store.GlobalEdit{},
	}
}

func (m *memStore) seq(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) Ping(context.Context) error { return nil }

func fieldValues(post *store.Post, field string) []string {
	switch field {
	case "characters":
		return post.Characters
	case "series":
		return post.Series
	case "tags":
		return post.Tags
	}
	return nil
}

func setFieldValues(post *store.Post, field string, values []string) {
	switch field {
	case "characters":
		post.Characters = values
	case "series":
		post.Series = values
	case "tags":
		post.Tags = values
	}
}

func (m *memStore) GetPost(_ context.Context, postID string) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[postID]
	if !ok {
		return store.Post{}, pgx.ErrNoRows
	}
	return *post, nil
}

func (m *memStore) ListPosts(_ context.Context, limit, offset int) ([]store.Post, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]store.Post, 0, len(m.posts))
	for _, post := range m.posts {
		all = append(all, *post)
	}
	return all, len(all), nil
}

func (m *memStore) UpsertPosts(_ context.Context, posts []store.Post) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range posts {
		post := posts[i]
		m.posts[post.ID] = &post
	}
	return len(posts), nil
}

func (m *memStore) CreatePostEdit(_ context.Context, edit store.PostEdit) (store.PostEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.edits {
		if existing.Status == store.StatusPending &&
			existing.PostID == edit.PostID &&
			existing.FieldName == edit.FieldName &&
			existing.Action == edit.Action &&
			strings.EqualFold(existing.Value, edit.Value) {
			return store.PostEdit{}, store.ErrDuplicateSuggestion
		}
	}
	edit.CreatedAt = time.Now()
	m.edits[edit.ID] = &edit
	return edit, nil
}

func (m *memStore) GetPostEdit(_ context.Context, editID string) (store.PostEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edit, ok := m.edits[editID]
	if !ok {
		return store.PostEdit{}, pgx.ErrNoRows
	}
	return *edit, nil
}

func (m *memStore) ListPendingPostEdits(context.Context) ([]store.PostEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []store.PostEdit
	for _, edit := range m.edits {
		if edit.Status == store.StatusPending {
			pending = append(pending, *edit)
		}
	}
	return pending, nil
}

func (m *memStore) ListPendingPostEditsForPost(_ context.Context, postID string) ([]store.PostEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []store.PostEdit
	for _, edit := range m.edits {
		if edit.Status == store.StatusPending && edit.PostID == postID {
			pending = append(pending, *edit)
		}
	}
	return pending, nil
}

func (m *memStore) ApplyPostEdit(_ context.Context, editID, approverID string) (store.PostEdit, store.EditHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edit, ok := m.edits[editID]
	if !ok {
		return store.PostEdit{}, store.EditHistoryEntry{}, pgx.ErrNoRows
	}
	if edit.Status != store.StatusPending {
		return store.PostEdit{}, store.EditHistoryEntry{}, store.ErrNotPending
	}
	post, ok := m.posts[edit.PostID]
	if !ok {
		return store.PostEdit{}, store.EditHistoryEntry{}, pgx.ErrNoRows
	}

	values := fieldValues(post, edit.FieldName)
	if edit.Action == store.ActionAdd {
		values = store.AddValue(values, edit.Value)
	} else {
		values = store.RemoveValue(values, edit.Value)
	}
	setFieldValues(post, edit.FieldName, values)

	now := time.Now()
	edit.Status = store.StatusApproved
	edit.ApproverID = approverID
	edit.ResolvedAt = &now

	entry := store.EditHistoryEntry{
		ID:          m.seq("hist"),
		PostID:      edit.PostID,
		SuggesterID: edit.SuggesterID,
		ApproverID:  approverID,
		FieldName:   edit.FieldName,
		Action:      edit.Action,
		Value:       edit.Value,
		AppliedAt:   now,
	}
	m.history[entry.ID] = &entry
	return *edit, entry, nil
}

func (m *memStore) RejectPostEdit(_ context.Context, editID, approverID, reason string) (store.PostEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edit, ok := m.edits[editID]
	if !ok {
		return store.PostEdit{}, pgx.ErrNoRows
	}
	if edit.Status != store.StatusPending {
		return store.PostEdit{}, store.ErrNotPending
	}
	now := time.Now()
	edit.Status = store.StatusRejected
	edit.ApproverID = approverID
	edit.RejectReason = reason
	edit.ResolvedAt = &now
	return *edit, nil
}

func (m *memStore) GetEditHistoryEntry(_ context.Context, historyID string) (store.EditHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.history[historyID]
	if !ok {
		return store.EditHistoryEntry{}, pgx.ErrNoRows
	}
	return *entry, nil
}

func (m *memStore) ListEditHistory(_ context.Context, postID string, limit int) ([]store.EditHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []store.EditHistoryEntry
	for _, entry := range m.history {
		if postID == "" || entry.PostID == postID {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func (m *memStore) UndoEditHistoryEntry(_ context.Context, historyID string) (store.EditHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.history[historyID]
	if !ok {
		return store.EditHistoryEntry{}, pgx.ErrNoRows
	}
	if entry.UndoneAt != nil {
		return store.EditHistoryEntry{}, store.ErrAlreadyUndone
	}
	post, ok := m.posts[entry.PostID]
	if !ok {
		return store.EditHistoryEntry{}, pgx.ErrNoRows
	}

	values := fieldValues(post, entry.FieldName)
	if entry.Action == store.ActionAdd {
		values = store.RemoveValue(values, entry.Value)
	} else {
		values = store.AddValue(values, entry.Value)
	}
	setFieldValues(post, entry.FieldName, values)

	now := time.Now()
	entry.UndoneAt = &now
	return *entry, nil
}

func (m *memStore) PreviewGlobalEdit(_ context.Context, conditionField, glob string) ([]store.GlobalEditMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []store.GlobalEditMatch
	for _, post := range m.posts {
		values := fieldValues(post, conditionField)
		var matched []string
		for _, v := range values {
			if pattern.Matches(glob, v) {
				matched = append(matched, v)
			}
		}
		if len(matched) > 0 {
			matches = append(matches, store.GlobalEditMatch{
				PostID:        post.ID,
				Title:         post.Title,
				MatchedValues: matched,
				CurrentValues: append([]string(nil), values...),
			})
		}
	}
	return matches, nil
}

func (m *memStore) CreateGlobalEdit(_ context.Context, edit store.GlobalEdit) (store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edit.CreatedAt = time.Now()
	m.globals[edit.ID] = &edit
	return edit, nil
}

func (m *memStore) GetGlobalEdit(_ context.Context, editID string) (store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edit, ok := m.globals[editID]
	if !ok {
		return store.GlobalEdit{}, pgx.ErrNoRows
	}
	return *edit, nil
}

func (m *memStore) ListPendingGlobalEdits(context.Context) ([]store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []store.GlobalEdit
	for _, edit := range m.globals {
		if edit.Status == store.StatusPending {
			pending = append(pending, *edit)
		}
	}
	return pending, nil
}

func (m *memStore) ListGlobalEditHistory(_ context.Context, limit int) ([]store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var resolved []store.GlobalEdit
	for _, edit := range m.globals {
		if edit.Status == store.StatusApproved {
			resolved = append(resolved, *edit)
		}
	}
	return resolved, nil
}

func (m *memStore) ApplyGlobalEdit(_ context.Context, editID, approverID string) (store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edit, ok := m.globals[editID]
	if !ok {
		return store.GlobalEdit{}, pgx.ErrNoRows
	}
	if edit.Status != store.StatusPending {
		return store.GlobalEdit{}, store.ErrNotPending
	}

	previous := map[string][]string{}
	for _, post := range m.posts {
		matched := false
		for _, v := range fieldValues(post, edit.ConditionField) {
			if pattern.Matches(edit.Pattern, v) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		current := fieldValues(post, edit.ActionField)
		previous[post.ID] = append([]string(nil), current...)

		var updated []string
		switch {
		case edit.Action == store.ActionAdd:
			updated = store.AddValue(current, edit.ActionValue)
		case edit.ActionField == edit.ConditionField:
			updated = store.RemoveMatching(current, edit.Pattern)
		default:
			updated = store.RemoveValue(current, edit.Pattern)
		}
		setFieldValues(post, edit.ActionField, updated)
	}

	now := time.Now()
	edit.Status = store.StatusApproved
	edit.ApproverID = approverID
	edit.PreviousValues = previous
	edit.ResolvedAt = &now
	return *edit, nil
}

func (m *memStore) RejectGlobalEdit(_ context.Context, editID, approverID, reason string) (store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edit, ok := m.globals[editID]
	if !ok {
		return store.GlobalEdit{}, pgx.ErrNoRows
	}
	if edit.Status != store.StatusPending {
		return store.GlobalEdit{}, store.ErrNotPending
	}
	now := time.Now()
	edit.Status = store.StatusRejected
	edit.ApproverID = approverID
	edit.RejectReason = reason
	edit.ResolvedAt = &now
	return *edit, nil
}

func (m *memStore) UndoGlobalEdit(_ context.Context, editID string) (store.GlobalEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edit, ok := m.globals[editID]
	if !ok {
		return store.GlobalEdit{}, pgx.ErrNoRows
	}
	if edit.Status != store.StatusApproved {
		return store.GlobalEdit{}, store.ErrNotApproved
	}
	if edit.UndoneAt != nil {
		return store.GlobalEdit{}, store.ErrAlreadyUndone
	}

	for postID, snapshot := range edit.PreviousValues {
		post, ok := m.posts[postID]
		if !ok {
			continue
		}
		setFieldValues(post, edit.ActionField, append([]string(nil), snapshot...))
	}

	now := time.Now()
	edit.UndoneAt = &now
	return *edit, nil
}
