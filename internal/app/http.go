package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/auth"
	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/search"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	secret     []byte
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, tokenSecret []byte) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, secret: tokenSecret, logger: service.logger}
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
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		if checked, err := s.service.PingLeases(ctx); checked {
			checks["leases"] = map[string]any{"status": "ok"}
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["leases"] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if m := s.service.Metrics(); m != nil {
			m.Handler().ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	actor, ok := s.actorFromRequest(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		if actor.Anonymous() {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      actor.DisplayName(),
			"userId":        actor.ID,
			"role":          actor.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method != http.MethodGet && actor.Anonymous() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch parts[1] {
	case "pages":
		if len(parts) == 2 {
			if r.Method == http.MethodPost {
				s.handleCreatePage(w, r, actor)
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if len(parts) >= 4 {
			s.handlePages(w, r, actor, parts[2], parts[3], parts[4:])
			return
		}
	case "audit":
		if len(parts) >= 4 && parts[2] == "pages" {
			s.handleAudit(w, r, actor, parts[3], parts[4:])
			return
		}
	case "submissions":
		s.handleSubmissions(w, r, actor, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// actorFromRequest resolves the bearer token. Requests without one run as
// the anonymous actor; a bad token is rejected.
func (s *HTTPServer) actorFromRequest(w http.ResponseWriter, r *http.Request) (rbac.Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		return rbac.Actor{Role: rbac.RoleViewer}, true
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return rbac.Actor{}, false
	}
	return claims.Actor(), true
}

func (s *HTTPServer) handleCreatePage(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	var body CreateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.ProposeCreate(r.Context(), body, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if result.Queued != nil {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, actor rbac.Actor, namespace, slug string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			page, err := s.service.GetPage(r.Context(), namespace, slug)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		case http.MethodPut:
			var body EditInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.Namespace, body.Slug = namespace, slug
			result, err := s.service.ProposeEdit(r.Context(), body, actor)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if result.Queued != nil {
				writeJSON(w, http.StatusAccepted, result)
				return
			}
			writeJSON(w, http.StatusOK, result)
		case http.MethodDelete:
			var body struct {
				Reason string `json:"reason"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			page, err := s.service.DeletePage(r.Context(), namespace, slug, actor, body.Reason)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case rest[0] == "history" && len(rest) == 1 && r.Method == http.MethodGet:
		p, err := paginationFromQuery(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := s.service.GetHistory(r.Context(), namespace, slug, p)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return

	case rest[0] == "revisions" && len(rest) == 2 && r.Method == http.MethodGet:
		page, err := s.service.GetPage(r.Context(), namespace, slug)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeRevision(w, r, page.ID, rest[1])
		return

	case rest[0] == "lease" && len(rest) == 1:
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Reason string `json:"reason"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			granted, err := s.service.AcquireEditSession(r.Context(), namespace, slug, actor, body.Reason)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, granted)
		case http.MethodDelete:
			if err := s.service.ReleaseEditSession(r.Context(), namespace, slug, actor); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case rest[0] == "protect" && len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Level  string `json:"level"`
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		level, err := wiki.ParseProtectionLevel(body.Level)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		page, rev, err := s.service.ProtectPage(r.Context(), namespace, slug, level, actor, body.Reason)
		s.writeRevisionResult(w, r, page, rev, err)
		return

	case rest[0] == "move" && len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Namespace string `json:"namespace"`
			Slug      string `json:"slug"`
			Reason    string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		target := wiki.Key{Namespace: body.Namespace, Slug: body.Slug}
		if strings.TrimSpace(target.Namespace) == "" {
			target.Namespace = namespace
		}
		page, rev, err := s.service.MovePage(r.Context(), namespace, slug, target, actor, body.Reason)
		s.writeRevisionResult(w, r, page, rev, err)
		return

	case rest[0] == "revert" && len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Revision int    `json:"revision"`
			Summary  string `json:"summary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		page, rev, err := s.service.RevertPage(r.Context(), namespace, slug, body.Revision, actor, body.Summary)
		s.writeRevisionResult(w, r, page, rev, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleAudit serves pages by id, including soft-deleted ones.
func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, actor rbac.Actor, pageID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		page, err := s.service.GetPageByID(r.Context(), pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		p, err := paginationFromQuery(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := s.service.GetHistoryByID(r.Context(), pageID, p)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return

	case len(rest) == 2 && rest[0] == "revisions" && r.Method == http.MethodGet:
		s.writeRevision(w, r, pageID, rest[1])
		return

	case len(rest) == 1 && rest[0] == "mirror" && r.Method == http.MethodGet:
		limit, err := intParam(r.URL.Query().Get("limit"), "limit")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		commits, err := s.service.MirrorHistory(r.Context(), pageID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": commits})
		return

	case len(rest) == 2 && rest[0] == "mirror" && r.Method == http.MethodGet:
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "revision must be a number", map[string]any{"field": "revision"})
			return
		}
		snap, err := s.service.MirrorSnapshot(r.Context(), pageID, number)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meta": snap.Meta, "content": snap.Content})
		return

	case len(rest) == 1 && rest[0] == "restore" && r.Method == http.MethodPost:
		page, err := s.service.RestorePage(r.Context(), pageID, actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSubmissions(w http.ResponseWriter, r *http.Request, actor rbac.Actor, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		filter, err := submissionFilterFromQuery(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := s.service.ListSubmissions(r.Context(), filter)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	submissionID := rest[0]
	if len(rest) == 1 && r.Method == http.MethodGet {
		sub, err := s.service.GetSubmission(r.Context(), submissionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
		return
	}

	if len(rest) == 2 && r.Method == http.MethodPost {
		decision := Decision(rest[1])
		switch decision {
		case DecisionApprove, DecisionReject, DecisionHold, DecisionUnhold:
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ReviewSubmission(r.Context(), submissionID, decision, actor, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:      query.Get("q"),
		Namespace: strings.ToLower(strings.TrimSpace(query.Get("namespace"))),
	}
	var err error
	if q.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		s.fail(w, r, err)
		return
	}
	if q.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) writeRevision(w http.ResponseWriter, r *http.Request, pageID, rawNumber string) {
	number, err := strconv.Atoi(rawNumber)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "revision must be a number", map[string]any{"field": "revision"})
		return
	}
	rev, err := s.service.GetRevision(r.Context(), pageID, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *HTTPServer) writeRevisionResult(w http.ResponseWriter, r *http.Request, page wiki.Page, rev wiki.Revision, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "revision": rev})
}

// fail writes the mapped error; unexpected errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Error("request failed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func paginationFromQuery(r *http.Request) (wiki.Pagination, error) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		return wiki.Pagination{}, err
	}
	skip, err := intParam(query.Get("skip"), "skip")
	if err != nil {
		return wiki.Pagination{}, err
	}
	return wiki.Pagination{Limit: limit, Skip: skip}, nil
}

func submissionFilterFromQuery(r *http.Request) (wiki.SubmissionFilter, error) {
	query := r.URL.Query()
	filter := wiki.SubmissionFilter{Namespace: query.Get("namespace")}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := wiki.ParseSubmissionStatus(raw)
		if err != nil {
			return wiki.SubmissionFilter{}, err
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		return wiki.SubmissionFilter{}, err
	}
	if filter.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		return wiki.SubmissionFilter{}, err
	}
	return filter, nil
}

func intParam(raw, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, wiki.Validation(field, field+" must be a number")
	}
	return value, nil
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

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

func mapError(err error) (status int, code, message string, details any) {
	if domainErr := asDomainError(err); domainErr != nil {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
