package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"curator/api/internal/config"
	"curator/api/internal/pattern"
	"curator/api/internal/session"
	"curator/api/internal/store"
	"curator/api/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var allowedFields = map[string]struct{}{
	"characters": {},
	"series":     {},
	"tags":       {},
}

var allowedActions = map[string]struct{}{
	store.ActionAdd:    {},
	store.ActionDelete: {},
}

type SuggestEditInput struct {
	PostID    string `json:"postId"`
	FieldName string `json:"fieldName"`
	Action    string `json:"action"`
	Value     string `json:"value"`
}

type SuggestGlobalEditInput struct {
	ConditionField string `json:"conditionField"`
	Pattern        string `json:"pattern"`
	Action         string `json:"action"`
	ActionField    string `json:"actionField"`
	ActionValue    string `json:"actionValue"`
}

type PostImportInput struct {
	SourceID   string   `json:"sourceId"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Characters []string `json:"characters"`
	Series     []string `json:"series"`
	Tags       []string `json:"tags"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetPost(ctx context.Context, postID string) (store.Post, error)
	ListPosts(ctx context.Context, limit, offset int) ([]store.Post, int, error)
	UpsertPosts(ctx context.Context, posts []store.Post) (int, error)

	CreatePostEdit(ctx context.Context, edit store.PostEdit) (store.PostEdit, error)
	GetPostEdit(ctx context.Context, editID string) (store.PostEdit, error)
	ListPendingPostEdits(ctx context.Context) ([]store.PostEdit, error)
	ListPendingPostEditsForPost(ctx context.Context, postID string) ([]store.PostEdit, error)
	ApplyPostEdit(ctx context.Context, editID, approverID string) (store.PostEdit, store.EditHistoryEntry, error)
	RejectPostEdit(ctx context.Context, editID, approverID, reason string) (store.PostEdit, error)

	GetEditHistoryEntry(ctx context.Context, historyID string) (store.EditHistoryEntry, error)
	ListEditHistory(ctx context.Context, postID string, limit int) ([]store.EditHistoryEntry, error)
	UndoEditHistoryEntry(ctx context.Context, historyID string) (store.EditHistoryEntry, error)

	PreviewGlobalEdit(ctx context.Context, conditionField, glob string) ([]store.GlobalEditMatch, error)
	CreateGlobalEdit(ctx context.Context, edit store.GlobalEdit) (store.GlobalEdit, error)
	GetGlobalEdit(ctx context.Context, editID string) (store.GlobalEdit, error)
	ListPendingGlobalEdits(ctx context.Context) ([]store.GlobalEdit, error)
	ListGlobalEditHistory(ctx context.Context, limit int) ([]store.GlobalEdit, error)
	ApplyGlobalEdit(ctx context.Context, editID, approverID string) (store.GlobalEdit, error)
	RejectGlobalEdit(ctx context.Context, editID, approverID, reason string) (store.GlobalEdit, error)
	UndoGlobalEdit(ctx context.Context, editID string) (store.GlobalEdit, error)
}

type sessionStore interface {
	LookupSession(ctx context.Context, token string) (session.Caller, error)
	Ping(ctx context.Context) error
}

// Service is the collaborative edit engine: it validates proposals, enforces
// the approval state machine, and delegates the transactional work to the
// store.
type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore) *Service {
	return &Service{cfg: cfg, store: dataStore, sessions: sessions}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) CallerFromToken(ctx context.Context, token string) (session.Caller, error) {
	return s.sessions.LookupSession(ctx, token)
}

// Catalog reads and import

func (s *Service) GetPost(ctx context.Context, postID string) (store.Post, error) {
	post, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Post{}, notFoundError("post not found")
	}
	return post, err
}

func (s *Service) ListPosts(ctx context.Context, limit, offset int) ([]store.Post, int, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListPosts(ctx, limit, offset)
}

// ImportPosts upserts catalog records on behalf of the import pipeline.
// Array fields are normalized and deduplicated before they are stored.
func (s *Service) ImportPosts(ctx context.Context, inputs []PostImportInput, caller session.Caller) (int, error) {
	if !caller.IsElevated {
		return 0, authorizationError("only elevated members can import posts")
	}
	if len(inputs) == 0 {
		return 0, validationError("no posts to import")
	}

	posts := make([]store.Post, 0, len(inputs))
	for i, input := range inputs {
		sourceID := util.NormalizeText(input.SourceID)
		title := util.NormalizeText(input.Title)
		if sourceID == "" {
			return 0, validationError(fmt.Sprintf("post %d: sourceId is required", i))
		}
		if title == "" {
			return 0, validationError(fmt.Sprintf("post %d: title is required", i))
		}
		posts = append(posts, store.Post{
			ID:         util.NewID("post"),
			SourceID:   sourceID,
			Title:      title,
			URL:        util.NormalizeText(input.URL),
			Characters: util.NormalizeValues(input.Characters),
			Series:     util.NormalizeValues(input.Series),
			Tags:       util.NormalizeValues(input.Tags),
			Status:     "published",
		})
	}
	return s.store.UpsertPosts(ctx, posts)
}

// Single-record proposal workflow

func (s *Service) SuggestEdit(ctx context.Context, input SuggestEditInput, suggesterID string) (store.PostEdit, error) {
	if _, ok := allowedFields[input.FieldName]; !ok {
		return store.PostEdit{}, validationError(fmt.Sprintf("unknown field %q", input.FieldName))
	}
	if _, ok := allowedActions[input.Action]; !ok {
		return store.PostEdit{}, validationError(fmt.Sprintf("unknown action %q", input.Action))
	}
	value := util.NormalizeText(input.Value)
	if value == "" {
		return store.PostEdit{}, validationError("value cannot be empty or whitespace only")
	}

	if _, err := s.store.GetPost(ctx, input.PostID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PostEdit{}, notFoundError("post not found")
		}
		return store.PostEdit{}, err
	}

	edit, err := s.store.CreatePostEdit(ctx, store.PostEdit{
		ID:          util.NewID("edit"),
		PostID:      input.PostID,
		SuggesterID: suggesterID,
		FieldName:   input.FieldName,
		Action:      input.Action,
		Value:       value,
		Status:      store.StatusPending,
	})
	if errors.Is(err, store.ErrDuplicateSuggestion) {
		return store.PostEdit{}, duplicateError("an identical suggestion is already pending")
	}
	return edit, err
}

func (s *Service) ApproveEdit(ctx context.Context, editID string, caller session.Caller) (store.PostEdit, store.EditHistoryEntry, error) {
	edit, err := s.store.GetPostEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PostEdit{}, store.EditHistoryEntry{}, notFoundError("edit suggestion not found")
		}
		return store.PostEdit{}, store.EditHistoryEntry{}, err
	}
	if edit.Status != store.StatusPending {
		return store.PostEdit{}, store.EditHistoryEntry{}, conflictError(fmt.Sprintf("edit suggestion is already %s", edit.Status))
	}
	if edit.SuggesterID == caller.ID && !caller.IsElevated {
		return store.PostEdit{}, store.EditHistoryEntry{}, authorizationError("cannot approve your own suggestion")
	}

	edit, entry, err := s.store.ApplyPostEdit(ctx, editID, caller.ID)
	if errors.Is(err, store.ErrNotPending) {
		return store.PostEdit{}, store.EditHistoryEntry{}, conflictError("edit suggestion was resolved by another reviewer")
	}
	return edit, entry, err
}

func (s *Service) RejectEdit(ctx context.Context, editID, reason string, caller session.Caller) (store.PostEdit, error) {
	edit, err := s.store.GetPostEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PostEdit{}, notFoundError("edit suggestion not found")
		}
		return store.PostEdit{}, err
	}
	if edit.Status != store.StatusPending {
		return store.PostEdit{}, conflictError(fmt.Sprintf("edit suggestion is already %s", edit.Status))
	}
	if edit.SuggesterID == caller.ID && !caller.IsElevated {
		return store.PostEdit{}, authorizationError("cannot reject your own suggestion")
	}

	edit, err = s.store.RejectPostEdit(ctx, editID, caller.ID, util.NormalizeText(reason))
	if errors.Is(err, store.ErrNotPending) {
		return store.PostEdit{}, conflictError("edit suggestion was resolved by another reviewer")
	}
	return edit, err
}

func (s *Service) UndoEdit(ctx context.Context, historyID string, caller session.Caller) (store.EditHistoryEntry, error) {
	if !caller.IsElevated {
		return store.EditHistoryEntry{}, authorizationError("only elevated members can undo edits")
	}

	entry, err := s.store.GetEditHistoryEntry(ctx, historyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.EditHistoryEntry{}, notFoundError("history entry not found")
		}
		return store.EditHistoryEntry{}, err
	}
	if entry.UndoneAt != nil {
		return store.EditHistoryEntry{}, conflictError("history entry has already been undone")
	}

	entry, err = s.store.UndoEditHistoryEntry(ctx, historyID)
	if errors.Is(err, store.ErrAlreadyUndone) {
		return store.EditHistoryEntry{}, conflictError("history entry has already been undone")
	}
	return entry, err
}

func (s *Service) ListPendingEdits(ctx context.Context) ([]store.PostEdit, error) {
	return s.store.ListPendingPostEdits(ctx)
}

func (s *Service) PendingEditsForPost(ctx context.Context, postID string) ([]store.PostEdit, error) {
	return s.store.ListPendingPostEditsForPost(ctx, postID)
}

func (s *Service) EditHistory(ctx context.Context, postID string, limit int) ([]store.EditHistoryEntry, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.store.ListEditHistory(ctx, postID, limit)
}

// Bulk proposal workflow

func (s *Service) PreviewGlobalEdit(ctx context.Context, conditionField, glob string) ([]store.GlobalEditMatch, error) {
	if _, ok := allowedFields[conditionField]; !ok {
		return nil, validationError(fmt.Sprintf("unknown field %q", conditionField))
	}
	glob = util.NormalizeText(glob)
	if glob == "" {
		return nil, validationError("pattern cannot be empty")
	}
	return s.store.PreviewGlobalEdit(ctx, conditionField, glob)
}

func (s *Service) SuggestGlobalEdit(ctx context.Context, input SuggestGlobalEditInput, suggesterID string) (store.GlobalEdit, error) {
	if _, ok := allowedFields[input.ConditionField]; !ok {
		return store.GlobalEdit{}, validationError(fmt.Sprintf("unknown condition field %q", input.ConditionField))
	}
	if _, ok := allowedFields[input.ActionField]; !ok {
		return store.GlobalEdit{}, validationError(fmt.Sprintf("unknown action field %q", input.ActionField))
	}
	if _, ok := allowedActions[input.Action]; !ok {
		return store.GlobalEdit{}, validationError(fmt.Sprintf("unknown action %q", input.Action))
	}

	glob := util.NormalizeText(input.Pattern)
	if glob == "" {
		return store.GlobalEdit{}, validationError("pattern cannot be empty")
	}

	actionValue := util.NormalizeText(input.ActionValue)
	switch input.Action {
	case store.ActionAdd:
		if actionValue == "" {
			return store.GlobalEdit{}, validationError("actionValue is required for ADD")
		}
	case store.ActionDelete:
		if actionValue != "" {
			return store.GlobalEdit{}, validationError("actionValue must be empty for DELETE")
		}
		// A wildcard pattern cannot say which values to remove from a field
		// it was not matched against, so cross-field DELETE requires an
		// exact value.
		if input.ActionField != input.ConditionField && pattern.HasWildcards(glob) {
			return store.GlobalEdit{}, validationError("DELETE on a different field requires a pattern without wildcards")
		}
	}

	return s.store.CreateGlobalEdit(ctx, store.GlobalEdit{
		ID:             util.NewID("gedit"),
		SuggesterID:    suggesterID,
		ConditionField: input.ConditionField,
		Pattern:        glob,
		Action:         input.Action,
		ActionField:    input.ActionField,
		ActionValue:    actionValue,
		Status:         store.StatusPending,
	})
}

func (s *Service) ApproveGlobalEdit(ctx context.Context, editID string, caller session.Caller) (store.GlobalEdit, error) {
	edit, err := s.store.GetGlobalEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.GlobalEdit{}, notFoundError("global edit suggestion not found")
		}
		return store.GlobalEdit{}, err
	}
	if edit.Status != store.StatusPending {
		return store.GlobalEdit{}, conflictError(fmt.Sprintf("global edit suggestion is already %s", edit.Status))
	}
	if edit.SuggesterID == caller.ID && !caller.IsElevated {
		return store.GlobalEdit{}, authorizationError("cannot approve your own suggestion")
	}

	edit, err = s.store.ApplyGlobalEdit(ctx, editID, caller.ID)
	if errors.Is(err, store.ErrNotPending) {
		return store.GlobalEdit{}, conflictError("global edit suggestion was resolved by another reviewer")
	}
	return edit, err
}

func (s *Service) RejectGlobalEdit(ctx context.Context, editID, reason string, caller session.Caller) (store.GlobalEdit, error) {
	edit, err := s.store.GetGlobalEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.GlobalEdit{}, notFoundError("global edit suggestion not found")
		}
		return store.GlobalEdit{}, err
	}
	if edit.Status != store.StatusPending {
		return store.GlobalEdit{}, conflictError(fmt.Sprintf("global edit suggestion is already %s", edit.Status))
	}
	if edit.SuggesterID == caller.ID && !caller.IsElevated {
		return store.GlobalEdit{}, authorizationError("cannot reject your own suggestion")
	}

	edit, err = s.store.RejectGlobalEdit(ctx, editID, caller.ID, util.NormalizeText(reason))
	if errors.Is(err, store.ErrNotPending) {
		return store.GlobalEdit{}, conflictError("global edit suggestion was resolved by another reviewer")
	}
	return edit, err
}

func (s *Service) UndoGlobalEdit(ctx context.Context, editID string, caller session.Caller) (store.GlobalEdit, error) {
	if !caller.IsElevated {
		return store.GlobalEdit{}, authorizationError("only elevated members can undo global edits")
	}

	edit, err := s.store.GetGlobalEdit(ctx, editID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.GlobalEdit{}, notFoundError("global edit suggestion not found")
		}
		return store.GlobalEdit{}, err
	}
	if edit.Status != store.StatusApproved {
		return store.GlobalEdit{}, conflictError("only approved global edits can be undone")
	}
	if edit.UndoneAt != nil {
		return store.GlobalEdit{}, conflictError("global edit has already been undone")
	}

	edit, err = s.store.UndoGlobalEdit(ctx, editID)
	if errors.Is(err, store.ErrNotApproved) || errors.Is(err, store.ErrAlreadyUndone) {
		return store.GlobalEdit{}, conflictError("global edit can no longer be undone")
	}
	return edit, err
}

func (s *Service) ListPendingGlobalEdits(ctx context.Context) ([]store.GlobalEdit, error) {
	return s.store.ListPendingGlobalEdits(ctx)
}

func (s *Service) GlobalEditHistory(ctx context.Context, limit int) ([]store.GlobalEdit, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.store.ListGlobalEditHistory(ctx, limit)
}
