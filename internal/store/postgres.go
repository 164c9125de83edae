package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"curator/api/internal/pattern"
	"curator/api/internal/util"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// fieldColumn maps a metadata field name onto its posts column. Every query
// that splices a column name goes through this allowlist.
func fieldColumn(fieldName string) (string, bool) {
	switch fieldName {
	case "characters", "series", "tags":
		return fieldName, true
	}
	return "", false
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Posts

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_id, title, url, characters, series, tags, status, created_at, updated_at
		FROM posts WHERE id = $1
	`, postID)
	return scanPost(row)
}

func (s *PostgresStore) ListPosts(ctx context.Context, limit, offset int) ([]Post, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE status = 'published'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count posts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, title, url, characters, series, tags, status, created_at, updated_at
		FROM posts
		WHERE status = 'published'
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, err
		}
		posts = append(posts, post)
	}
	return posts, total, rows.Err()
}

// UpsertPosts inserts or refreshes catalog records keyed by source id. This
// is the import pipeline's write path; the edit engine never uses it.
func (s *PostgresStore) UpsertPosts(ctx context.Context, posts []Post) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, post := range posts {
			_, err := tx.Exec(ctx, `
				INSERT INTO posts (id, source_id, title, url, characters, series, tags, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (source_id) DO UPDATE SET
					title = EXCLUDED.title,
					url = EXCLUDED.url,
					characters = EXCLUDED.characters,
					series = EXCLUDED.series,
					tags = EXCLUDED.tags,
					status = EXCLUDED.status,
					updated_at = NOW()
			`, post.ID, post.SourceID, post.Title, post.URL,
				post.Characters, post.Series, post.Tags, post.Status)
			if err != nil {
				return fmt.Errorf("upsert post %s: %w", post.SourceID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Single-record proposals

func (s *PostgresStore) CreatePostEdit(ctx context.Context, edit PostEdit) (PostEdit, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO post_edits (id, post_id, suggester_id, field_name, action, value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, edit.ID, edit.PostID, edit.SuggesterID, edit.FieldName, edit.Action, edit.Value, edit.Status)
	if err := row.Scan(&edit.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return PostEdit{}, ErrDuplicateSuggestion
		}
		return PostEdit{}, fmt.Errorf("insert post edit: %w", err)
	}
	return edit, nil
}

func (s *PostgresStore) GetPostEdit(ctx context.Context, editID string) (PostEdit, error) {
	return scanPostEdit(s.pool.QueryRow(ctx, selectPostEdit+` WHERE id = $1`, editID))
}

func (s *PostgresStore) ListPendingPostEdits(ctx context.Context) ([]PostEdit, error) {
	return s.queryPostEdits(ctx, selectPostEdit+` WHERE status = 'pending' ORDER BY created_at, id`)
}

func (s *PostgresStore) ListPendingPostEditsForPost(ctx context.Context, postID string) ([]PostEdit, error) {
	return s.queryPostEdits(ctx, selectPostEdit+` WHERE status = 'pending' AND post_id = $1 ORDER BY created_at, id`, postID)
}

// ApplyPostEdit resolves a pending proposal and mutates the target post in a
// single transaction: the pending check happens under the proposal row lock,
// the array mutation under the post row lock, and the audit row is written
// before either lock is released.
func (s *PostgresStore) ApplyPostEdit(ctx context.Context, editID, approverID string) (PostEdit, EditHistoryEntry, error) {
	var (
		edit  PostEdit
		entry EditHistoryEntry
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		edit, err = scanPostEdit(tx.QueryRow(ctx, selectPostEdit+` WHERE id = $1 FOR UPDATE`, editID))
		if err != nil {
			return err
		}
		if edit.Status != StatusPending {
			return ErrNotPending
		}

		column, ok := fieldColumn(edit.FieldName)
		if !ok {
			return fmt.Errorf("post edit %s has unknown field %q", edit.ID, edit.FieldName)
		}

		var values []string
		if err := tx.QueryRow(ctx, `SELECT `+column+` FROM posts WHERE id = $1 FOR UPDATE`, edit.PostID).Scan(&values); err != nil {
			return err
		}

		var next []string
		switch edit.Action {
		case ActionAdd:
			next = AddValue(values, edit.Value)
		case ActionDelete:
			next = RemoveValue(values, edit.Value)
		default:
			return fmt.Errorf("post edit %s has unknown action %q", edit.ID, edit.Action)
		}

		if _, err := tx.Exec(ctx, `UPDATE posts SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, next, edit.PostID); err != nil {
			return fmt.Errorf("apply edit to post: %w", err)
		}

		entry = EditHistoryEntry{
			ID:          util.NewID("hist"),
			PostID:      edit.PostID,
			SuggesterID: edit.SuggesterID,
			ApproverID:  approverID,
			FieldName:   edit.FieldName,
			Action:      edit.Action,
			Value:       edit.Value,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO edit_history (id, post_id, suggester_id, approver_id, field_name, action, value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING applied_at
		`, entry.ID, entry.PostID, entry.SuggesterID, entry.ApproverID, entry.FieldName, entry.Action, entry.Value).Scan(&entry.AppliedAt); err != nil {
			return fmt.Errorf("insert edit history: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE post_edits SET status = 'approved', approver_id = $1, resolved_at = NOW()
			WHERE id = $2
			RETURNING resolved_at
		`, approverID, editID).Scan(&edit.ResolvedAt); err != nil {
			return fmt.Errorf("mark edit approved: %w", err)
		}
		edit.Status = StatusApproved
		edit.ApproverID = approverID
		return nil
	})
	if err != nil {
		return PostEdit{}, EditHistoryEntry{}, err
	}
	return edit, entry, nil
}

// RejectPostEdit marks a pending proposal rejected without touching the post.
// The status check and transition are one conditional UPDATE.
func (s *PostgresStore) RejectPostEdit(ctx context.Context, editID, approverID, reason string) (PostEdit, error) {
	edit, err := scanPostEdit(s.pool.QueryRow(ctx, `
		UPDATE post_edits SET status = 'rejected', approver_id = $1, reject_reason = $2, resolved_at = NOW()
		WHERE id = $3 AND status = 'pending'
		RETURNING `+postEditColumns,
		approverID, reason, editID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PostEdit{}, ErrNotPending
		}
		return PostEdit{}, fmt.Errorf("reject post edit: %w", err)
	}
	return edit, nil
}

// Audit history

func (s *PostgresStore) GetEditHistoryEntry(ctx context.Context, historyID string) (EditHistoryEntry, error) {
	return scanHistoryEntry(s.pool.QueryRow(ctx, selectHistory+` WHERE id = $1`, historyID))
}

func (s *PostgresStore) ListEditHistory(ctx context.Context, postID string, limit int) ([]EditHistoryEntry, error) {
	query := selectHistory
	args := []any{limit}
	if postID != "" {
		query += ` WHERE post_id = $2`
		args = append(args, postID)
	}
	query += ` ORDER BY applied_at DESC, id LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edit history: %w", err)
	}
	defer rows.Close()

	var entries []EditHistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UndoEditHistoryEntry reverses an applied single edit by value against the
// current post state and stamps undone_at, all in one transaction.
func (s *PostgresStore) UndoEditHistoryEntry(ctx context.Context, historyID string) (EditHistoryEntry, error) {
	var entry EditHistoryEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = scanHistoryEntry(tx.QueryRow(ctx, selectHistory+` WHERE id = $1 FOR UPDATE`, historyID))
		if err != nil {
			return err
		}
		if entry.UndoneAt != nil {
			return ErrAlreadyUndone
		}

		column, ok := fieldColumn(entry.FieldName)
		if !ok {
			return fmt.Errorf("history entry %s has unknown field %q", entry.ID, entry.FieldName)
		}

		var values []string
		if err := tx.QueryRow(ctx, `SELECT `+column+` FROM posts WHERE id = $1 FOR UPDATE`, entry.PostID).Scan(&values); err != nil {
			return err
		}

		var next []string
		switch entry.Action {
		case ActionAdd:
			next = RemoveValue(values, entry.Value)
		case ActionDelete:
			next = AddValue(values, entry.Value)
		default:
			return fmt.Errorf("history entry %s has unknown action %q", entry.ID, entry.Action)
		}

		if _, err := tx.Exec(ctx, `UPDATE posts SET `+column+` = $1, updated_at = NOW() WHERE id = $2`, next, entry.PostID); err != nil {
			return fmt.Errorf("revert post: %w", err)
		}

		return tx.QueryRow(ctx, `
			UPDATE edit_history SET undone_at = NOW() WHERE id = $1 RETURNING undone_at
		`, historyID).Scan(&entry.UndoneAt)
	})
	if err != nil {
		return EditHistoryEntry{}, err
	}
	return entry, nil
}

// Bulk proposals

func (s *PostgresStore) PreviewGlobalEdit(ctx context.Context, conditionField, glob string) ([]GlobalEditMatch, error) {
	column, ok := fieldColumn(conditionField)
	if !ok {
		return nil, fmt.Errorf("unknown condition field %q", conditionField)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, `+column+`
		FROM posts
		WHERE status = 'published'
		  AND EXISTS (SELECT 1 FROM unnest(`+column+`) AS val WHERE val ILIKE $1)
		ORDER BY id
	`, pattern.ToSQL(glob))
	if err != nil {
		return nil, fmt.Errorf("preview global edit: %w", err)
	}
	defer rows.Close()

	var matches []GlobalEditMatch
	for rows.Next() {
		var match GlobalEditMatch
		if err := rows.Scan(&match.PostID, &match.Title, &match.CurrentValues); err != nil {
			return nil, fmt.Errorf("scan preview row: %w", err)
		}
		for _, value := range match.CurrentValues {
			if pattern.Matches(glob, value) {
				match.MatchedValues = append(match.MatchedValues, value)
			}
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) CreateGlobalEdit(ctx context.Context, edit GlobalEdit) (GlobalEdit, error) {
	var actionValue *string
	if edit.Action == ActionAdd {
		actionValue = &edit.ActionValue
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO global_edits (id, suggester_id, condition_field, pattern, action, action_field, action_value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, edit.ID, edit.SuggesterID, edit.ConditionField, edit.Pattern, edit.Action, edit.ActionField, actionValue, edit.Status)
	if err := row.Scan(&edit.CreatedAt); err != nil {
		return GlobalEdit{}, fmt.Errorf("insert global edit: %w", err)
	}
	return edit, nil
}

func (s *PostgresStore) GetGlobalEdit(ctx context.Context, editID string) (GlobalEdit, error) {
	return scanGlobalEdit(s.pool.QueryRow(ctx, selectGlobalEdit+` WHERE id = $1`, editID))
}

func (s *PostgresStore) ListPendingGlobalEdits(ctx context.Context) ([]GlobalEdit, error) {
	return s.queryGlobalEdits(ctx, selectGlobalEdit+` WHERE status = 'pending' ORDER BY created_at, id`)
}

func (s *PostgresStore) ListGlobalEditHistory(ctx context.Context, limit int) ([]GlobalEdit, error) {
	return s.queryGlobalEdits(ctx, selectGlobalEdit+` WHERE status = 'approved' ORDER BY resolved_at DESC, id LIMIT $1`, limit)
}

// ApplyGlobalEdit re-evaluates the match set against current data, snapshots
// every matched post's action-field array for undo, applies the action, and
// marks the proposal approved. The matched posts stay locked from snapshot
// read to mutation write; the pending check happens under the proposal lock.
func (s *PostgresStore) ApplyGlobalEdit(ctx context.Context, editID, approverID string) (GlobalEdit, error) {
	var edit GlobalEdit
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		edit, err = scanGlobalEdit(tx.QueryRow(ctx, selectGlobalEdit+` WHERE id = $1 FOR UPDATE`, editID))
		if err != nil {
			return err
		}
		if edit.Status != StatusPending {
			return ErrNotPending
		}

		conditionColumn, ok := fieldColumn(edit.ConditionField)
		if !ok {
			return fmt.Errorf("global edit %s has unknown condition field %q", edit.ID, edit.ConditionField)
		}
		actionColumn, ok := fieldColumn(edit.ActionField)
		if !ok {
			return fmt.Errorf("global edit %s has unknown action field %q", edit.ID, edit.ActionField)
		}

		rows, err := tx.Query(ctx, `
			SELECT id, `+actionColumn+`
			FROM posts
			WHERE status = 'published'
			  AND EXISTS (SELECT 1 FROM unnest(`+conditionColumn+`) AS val WHERE val ILIKE $1)
			ORDER BY id
			FOR UPDATE
		`, pattern.ToSQL(edit.Pattern))
		if err != nil {
			return fmt.Errorf("select matched posts: %w", err)
		}

		type matchedPost struct {
			id     string
			values []string
		}
		var matched []matchedPost
		for rows.Next() {
			var m matchedPost
			if err := rows.Scan(&m.id, &m.values); err != nil {
				rows.Close()
				return fmt.Errorf("scan matched post: %w", err)
			}
			matched = append(matched, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		previous := make(map[string][]string, len(matched))
		for _, m := range matched {
			previous[m.id] = m.values

			next := applyGlobalAction(edit, m.values)
			if _, err := tx.Exec(ctx, `UPDATE posts SET `+actionColumn+` = $1, updated_at = NOW() WHERE id = $2`, next, m.id); err != nil {
				return fmt.Errorf("apply global edit to post %s: %w", m.id, err)
			}
		}

		previousJSON, err := json.Marshal(previous)
		if err != nil {
			return fmt.Errorf("marshal previous values: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			UPDATE global_edits SET status = 'approved', approver_id = $1, previous_values = $2, resolved_at = NOW()
			WHERE id = $3
			RETURNING resolved_at
		`, approverID, previousJSON, editID).Scan(&edit.ResolvedAt); err != nil {
			return fmt.Errorf("mark global edit approved: %w", err)
		}
		edit.Status = StatusApproved
		edit.ApproverID = approverID
		edit.PreviousValues = previous
		return nil
	})
	if err != nil {
		return GlobalEdit{}, err
	}
	return edit, nil
}

func applyGlobalAction(edit GlobalEdit, values []string) []string {
	if edit.Action == ActionAdd {
		return AddValue(values, edit.ActionValue)
	}
	if edit.ActionField == edit.ConditionField {
		return RemoveMatching(values, edit.Pattern)
	}
	// Cross-field DELETE is only accepted for wildcard-free patterns, so the
	// pattern is an exact value here.
	return RemoveValue(values, edit.Pattern)
}

func (s *PostgresStore) RejectGlobalEdit(ctx context.Context, editID, approverID, reason string) (GlobalEdit, error) {
	edit, err := scanGlobalEdit(s.pool.QueryRow(ctx, `
		UPDATE global_edits SET status = 'rejected', approver_id = $1, reject_reason = $2, resolved_at = NOW()
		WHERE id = $3 AND status = 'pending'
		RETURNING `+globalEditColumns,
		approverID, reason, editID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GlobalEdit{}, ErrNotPending
		}
		return GlobalEdit{}, fmt.Errorf("reject global edit: %w", err)
	}
	return edit, nil
}

// UndoGlobalEdit restores every snapshotted array wholesale. Intervening
// edits to the same field on a matched post are overwritten; that trade-off
// is what makes bulk undo exact.
func (s *PostgresStore) UndoGlobalEdit(ctx context.Context, editID string) (GlobalEdit, error) {
	var edit GlobalEdit
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		edit, err = scanGlobalEdit(tx.QueryRow(ctx, selectGlobalEdit+` WHERE id = $1 FOR UPDATE`, editID))
		if err != nil {
			return err
		}
		if edit.Status != StatusApproved {
			return ErrNotApproved
		}
		if edit.UndoneAt != nil {
			return ErrAlreadyUndone
		}

		actionColumn, ok := fieldColumn(edit.ActionField)
		if !ok {
			return fmt.Errorf("global edit %s has unknown action field %q", edit.ID, edit.ActionField)
		}

		for postID, values := range edit.PreviousValues {
			if values == nil {
				values = []string{}
			}
			if _, err := tx.Exec(ctx, `UPDATE posts SET `+actionColumn+` = $1, updated_at = NOW() WHERE id = $2`, values, postID); err != nil {
				return fmt.Errorf("restore post %s: %w", postID, err)
			}
		}

		return tx.QueryRow(ctx, `
			UPDATE global_edits SET undone_at = NOW() WHERE id = $1 RETURNING undone_at
		`, editID).Scan(&edit.UndoneAt)
	})
	if err != nil {
		return GlobalEdit{}, err
	}
	return edit, nil
}

// Row scanning

const postEditColumns = `id, post_id, suggester_id, field_name, action, value, status, approver_id, reject_reason, created_at, resolved_at`

const selectPostEdit = `SELECT ` + postEditColumns + ` FROM post_edits`

const selectHistory = `SELECT id, post_id, suggester_id, approver_id, field_name, action, value, applied_at, undone_at FROM edit_history`

const globalEditColumns = `id, suggester_id, condition_field, pattern, action, action_field, action_value, status, approver_id, reject_reason, previous_values, created_at, resolved_at, undone_at`

const selectGlobalEdit = `SELECT ` + globalEditColumns + ` FROM global_edits`

func scanPost(row pgx.Row) (Post, error) {
	var post Post
	err := row.Scan(&post.ID, &post.SourceID, &post.Title, &post.URL,
		&post.Characters, &post.Series, &post.Tags, &post.Status,
		&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	return post, nil
}

func scanPostEdit(row pgx.Row) (PostEdit, error) {
	var edit PostEdit
	err := row.Scan(&edit.ID, &edit.PostID, &edit.SuggesterID, &edit.FieldName,
		&edit.Action, &edit.Value, &edit.Status, &edit.ApproverID,
		&edit.RejectReason, &edit.CreatedAt, &edit.ResolvedAt)
	if err != nil {
		return PostEdit{}, err
	}
	return edit, nil
}

func scanHistoryEntry(row pgx.Row) (EditHistoryEntry, error) {
	var entry EditHistoryEntry
	err := row.Scan(&entry.ID, &entry.PostID, &entry.SuggesterID, &entry.ApproverID,
		&entry.FieldName, &entry.Action, &entry.Value, &entry.AppliedAt, &entry.UndoneAt)
	if err != nil {
		return EditHistoryEntry{}, err
	}
	return entry, nil
}

func scanGlobalEdit(row pgx.Row) (GlobalEdit, error) {
	var (
		edit         GlobalEdit
		actionValue  *string
		previousJSON []byte
	)
	err := row.Scan(&edit.ID, &edit.SuggesterID, &edit.ConditionField, &edit.Pattern,
		&edit.Action, &edit.ActionField, &actionValue, &edit.Status,
		&edit.ApproverID, &edit.RejectReason, &previousJSON,
		&edit.CreatedAt, &edit.ResolvedAt, &edit.UndoneAt)
	if err != nil {
		return GlobalEdit{}, err
	}
	if actionValue != nil {
		edit.ActionValue = *actionValue
	}
	if previousJSON != nil {
		if err := json.Unmarshal(previousJSON, &edit.PreviousValues); err != nil {
			return GlobalEdit{}, fmt.Errorf("decode previous values: %w", err)
		}
	}
	return edit, nil
}

func (s *PostgresStore) queryPostEdits(ctx context.Context, query string, args ...any) ([]PostEdit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query post edits: %w", err)
	}
	defer rows.Close()

	var edits []PostEdit
	for rows.Next() {
		edit, err := scanPostEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, edit)
	}
	return edits, rows.Err()
}

func (s *PostgresStore) queryGlobalEdits(ctx context.Context, query string, args ...any) ([]GlobalEdit, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query global edits: %w", err)
	}
	defer rows.Close()

	var edits []GlobalEdit
	for rows.Next() {
		edit, err := scanGlobalEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, edit)
	}
	return edits, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
