package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adewale/keyboardia-sub010/internal/archive"
	"github.com/adewale/keyboardia-sub010/internal/coordinator"
	"github.com/adewale/keyboardia-sub010/internal/directory"
	"github.com/adewale/keyboardia-sub010/internal/preview"
	"github.com/adewale/keyboardia-sub010/internal/store"
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

// The sequencer frontend runs on its own origin during development, so
// the upgrade cannot rely on same-origin checks.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
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
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":           status == "ready",
			"status":       status,
			"checks":       checks,
			"liveSessions": s.service.LiveCount(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/samples" {
		writeJSON(w, http.StatusOK, map[string]any{"samples": s.service.Samples()})
		return
	}

	if r.URL.Path == "/api/sessions" {
		switch r.Method {
		case http.MethodPost:
			var body CreateSessionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateSession(r.Context(), body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		case http.MethodGet:
			q := directory.Query{
				Text:          strings.TrimSpace(r.URL.Query().Get("q")),
				PublishedOnly: r.URL.Query().Get("published") == "true",
				Limit:         intQuery(r, "limit"),
				Offset:        intQuery(r, "offset"),
			}
			writeJSON(w, http.StatusOK, s.service.ListSessions(r.Context(), q))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "sessions" {
		if r.Method == http.MethodGet {
			payload, err := s.service.GetSession(r.Context(), parts[2])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "sessions" {
		sessionID := parts[2]

		if parts[3] == "ws" && r.Method == http.MethodGet {
			s.handleSessionWS(w, r, sessionID)
			return
		}

		if parts[3] == "publish" && r.Method == http.MethodPost {
			var body struct {
				OwnerToken string `json:"ownerToken"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.Publish(r.Context(), sessionID, body.OwnerToken)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if parts[3] == "debug" && r.Method == http.MethodGet {
			payload, err := s.service.Debug(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		if parts[3] == "preview.png" && r.Method == http.MethodGet {
			png, err := s.service.Preview(r.Context(), sessionID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write(png)
			return
		}

		if parts[3] == "history" && r.Method == http.MethodGet {
			if rev := strings.TrimSpace(r.URL.Query().Get("at")); rev != "" {
				snap, err := s.service.SnapshotAt(r.Context(), sessionID, rev)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, snap)
				return
			}
			payload, err := s.service.History(r.Context(), sessionID, intQuery(r, "limit"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSessionWS upgrades the connection and runs it against the
// session's room until the client disconnects. Errors after a
// successful upgrade can only be logged; the response is gone.
func (s *HTTPServer) handleSessionWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	rec, err := s.service.SessionForJoin(r.Context(), sessionID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		log.Printf("app: websocket upgrade for %s: %v", sessionID, err)
		return
	}
	if err := s.service.HandleWS(r.Context(), rec, sock, r.URL.Query().Get("name")); err != nil {
		log.Printf("app: websocket session %s: %v", sessionID, err)
	}
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

// Hijack exposes the underlying connection so the websocket upgrade
// works through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intQuery(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Session not found", nil
	}
	if errors.Is(err, store.ErrImmutable) {
		return http.StatusConflict, "SESSION_PUBLISHED", "Session is published and can no longer change", nil
	}
	if errors.Is(err, archive.ErrNoHistory) {
		return http.StatusNotFound, "NOT_FOUND", "Session has no archive", nil
	}
	if errors.Is(err, preview.ErrUnavailable) {
		return http.StatusServiceUnavailable, "PREVIEW_UNAVAILABLE", "Preview rendering is unavailable", nil
	}
	if errors.Is(err, coordinator.ErrClosed) {
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
