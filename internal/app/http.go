package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"curator/api/internal/session"
	"curator/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		caller, err := s.service.CallerFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        caller.ID,
			"userName":      caller.Name,
			"isElevated":    caller.IsElevated,
		})
		return
	}

	caller, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	// Catalog

	if r.Method == http.MethodGet && r.URL.Path == "/api/posts" {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		posts, total, err := s.service.ListPosts(r.Context(), limit, offset)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(posts))
		for _, post := range posts {
			payload = append(payload, postPayload(post))
		}
		writeJSON(w, http.StatusOK, map[string]any{"posts": payload, "total": total})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "posts" {
		post, err := s.service.GetPost(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, postPayload(post))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/posts/import" {
		var body struct {
			Posts []PostImportInput `json:"posts"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		count, err := s.service.ImportPosts(r.Context(), body.Posts, caller)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"imported": count})
		return
	}

	// Single-record edit proposals

	if r.Method == http.MethodPost && r.URL.Path == "/api/edits/suggest" {
		var body SuggestEditInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		edit, err := s.service.SuggestEdit(r.Context(), body, caller.ID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, editPayload(edit))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/edits/pending" {
		edits, err := s.service.ListPendingEdits(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edits": editPayloads(edits, caller.ID)})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "edits" && parts[2] == "pending-for-post" {
		edits, err := s.service.PendingEditsForPost(r.Context(), parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"edits": editPayloads(edits, caller.ID)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/edits/history" {
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		entries, err := s.service.EditHistory(r.Context(), strings.TrimSpace(r.URL.Query().Get("postId")), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			payload = append(payload, historyPayload(entry))
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": payload})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[0] == "api" && parts[1] == "edits" && parts[2] == "history" && parts[4] == "undo" {
		entry, err := s.service.UndoEdit(r.Context(), parts[3], caller)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, historyPayload(entry))
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "edits" && parts[3] == "approve" {
		edit, entry, err := s.service.ApproveEdit(r.Context(), parts[2], caller)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := editPayload(edit)
		payload["historyId"] = entry.ID
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "edits" && parts[3] == "reject" {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		edit, err := s.service.RejectEdit(r.Context(), parts[2], body.Reason, caller)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, editPayload(edit))
		return
	}

	// Bulk edit proposals

	if r.Method == http.MethodPost && r.URL.Path == "/api/global-edits/preview" {
		var body struct {
			ConditionField string `json:"conditionField"`
			Pattern        string `json:"pattern"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		matches, err := s.service.PreviewGlobalEdit(r.Context(), body.ConditionField, body.Pattern)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(matches))
		for _, match := range matches {
			payload = append(payload, map[string]any{
				"postId":        match.PostID,
				"title":         match.Title,
				"matchedValues": match.MatchedValues,
				"currentValues": match.CurrentValues,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conditionField": body.ConditionField,
			"pattern":        body.Pattern,
			"affectedCount":  len(matches),
			"affectedPosts":  payload,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/global-edits/suggest" {
		var body SuggestGlobalEditInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		edit, err := s.service.SuggestGlobalEdit(r.Context(), body, caller.ID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, globalEditPayload(edit))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/global-edits/pending" {
		edits, err := s.service.ListPendingGlobalEdits(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(edits))
		for _, edit := range edits {
			payload = append(payload, globalEditPayload(edit))
		}
		writeJSON(w, http.StatusOK, map[string]any{"edits": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/global-edits/history" {
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		edits, err := s.service.GlobalEditHistory(r.Context(), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(edits))
		for _, edit := range edits {
			payload = append(payload, globalEditPayload(edit))
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": payload})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "global-edits" {
		editID := parts[2]
		switch parts[3] {
		case "approve":
			edit, err := s.service.ApproveGlobalEdit(r.Context(), editID, caller)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, globalEditPayload(edit))
			return
		case "reject":
			var body struct {
				Reason string `json:"reason"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			edit, err := s.service.RejectGlobalEdit(r.Context(), editID, body.Reason, caller)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, globalEditPayload(edit))
			return
		case "undo":
			edit, err := s.service.UndoGlobalEdit(r.Context(), editID, caller)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, globalEditPayload(edit))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// Response payloads

func postPayload(post store.Post) map[string]any {
	return map[string]any{
		"id":         post.ID,
		"sourceId":   post.SourceID,
		"title":      post.Title,
		"url":        post.URL,
		"characters": post.Characters,
		"series":     post.Series,
		"tags":       post.Tags,
		"status":     post.Status,
		"createdAt":  post.CreatedAt,
		"updatedAt":  post.UpdatedAt,
	}
}

func editPayload(edit store.PostEdit) map[string]any {
	payload := map[string]any{
		"id":          edit.ID,
		"postId":      edit.PostID,
		"suggesterId": edit.SuggesterID,
		"fieldName":   edit.FieldName,
		"action":      edit.Action,
		"value":       edit.Value,
		"status":      edit.Status,
		"createdAt":   edit.CreatedAt,
	}
	if edit.ApproverID != "" {
		payload["approverId"] = edit.ApproverID
	}
	if edit.RejectReason != "" {
		payload["rejectReason"] = edit.RejectReason
	}
	if edit.ResolvedAt != nil {
		payload["resolvedAt"] = edit.ResolvedAt
	}
	return payload
}

func editPayloads(edits []store.PostEdit, callerID string) []map[string]any {
	payload := make([]map[string]any, 0, len(edits))
	for _, edit := range edits {
		item := editPayload(edit)
		item["isOwnSuggestion"] = edit.SuggesterID == callerID
		payload = append(payload, item)
	}
	return payload
}

func historyPayload(entry store.EditHistoryEntry) map[string]any {
	payload := map[string]any{
		"id":          entry.ID,
		"postId":      entry.PostID,
		"suggesterId": entry.SuggesterID,
		"approverId":  entry.ApproverID,
		"fieldName":   entry.FieldName,
		"action":      entry.Action,
		"value":       entry.Value,
		"appliedAt":   entry.AppliedAt,
	}
	if entry.UndoneAt != nil {
		payload["undoneAt"] = entry.UndoneAt
	}
	return payload
}

func globalEditPayload(edit store.GlobalEdit) map[string]any {
	payload := map[string]any{
		"id":             edit.ID,
		"suggesterId":    edit.SuggesterID,
		"conditionField": edit.ConditionField,
		"pattern":        edit.Pattern,
		"action":         edit.Action,
		"actionField":    edit.ActionField,
		"status":         edit.Status,
		"createdAt":      edit.CreatedAt,
	}
	if edit.ActionValue != "" {
		payload["actionValue"] = edit.ActionValue
	}
	if edit.ApproverID != "" {
		payload["approverId"] = edit.ApproverID
	}
	if edit.RejectReason != "" {
		payload["rejectReason"] = edit.RejectReason
	}
	if edit.Status == store.StatusApproved {
		payload["affectedCount"] = len(edit.PreviousValues)
	}
	if edit.ResolvedAt != nil {
		payload["resolvedAt"] = edit.ResolvedAt
	}
	if edit.UndoneAt != nil {
		payload["undoneAt"] = edit.UndoneAt
	}
	return payload
}

// Plumbing

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return session.Caller{}, false
	}
	caller, err := s.service.CallerFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return session.Caller{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return session.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return parsed, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrNoSession) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
