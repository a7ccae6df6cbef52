package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/blog-chat/pkg/otelhelper"
)

const requestTimeout = 5 * time.Second

// restServer translates HTTP calls into NATS request/reply subjects.
type restServer struct {
	nc        *nats.Conn
	validator *TokenValidator
}

// errorEnvelope matches the reply shape of the backend services.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusForCode maps backend error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "conflict", "invalid":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// authenticate resolves the bearer token to claims, or writes a 401.
func (s *restServer) authenticate(w http.ResponseWriter, r *http.Request) *UserClaims {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		http.Error(w, `{"error":{"code":"unauthorized","message":"missing bearer token"}}`, http.StatusUnauthorized)
		return nil
	}
	claims, err := s.validator.Validate(token)
	if err != nil {
		http.Error(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`, http.StatusUnauthorized)
		return nil
	}
	return claims
}

// proxy performs the NATS request and relays the reply, translating error
// envelopes into HTTP statuses.
func (s *restServer) proxy(w http.ResponseWriter, r *http.Request, subject string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, `{"error":{"code":"internal","message":"encode failed"}}`, http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := otelhelper.TracedRequest(ctx, s.nc, subject, data)
	if err != nil {
		slog.Error("Backend request failed", "subject", subject, "error", err)
		http.Error(w, `{"error":{"code":"unavailable","message":"backend unavailable"}}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	var envelope errorEnvelope
	if json.Unmarshal(resp.Data, &envelope) == nil && envelope.Error.Code != "" {
		w.WriteHeader(statusForCode(envelope.Error.Code))
	}
	w.Write(resp.Data)
}

// decodeBody reads the JSON request body into a map so the caller's identity
// can be injected before proxying.
func decodeBody(r *http.Request) map[string]any {
	body := make(map[string]any)
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return body
}

func (s *restServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern string, fn func(w http.ResponseWriter, r *http.Request, claims *UserClaims)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			claims := s.authenticate(w, r)
			if claims == nil {
				return
			}
			fn(w, r, claims)
		})
	}

	handle("POST /api/chat/conversation", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		body := decodeBody(r)
		body["userId"] = claims.UserId
		s.proxy(w, r, "chat.conversation.create", body)
	})

	handle("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.conversation.list", map[string]string{"userId": claims.UserId})
	})

	handle("GET /api/chat/messages/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		body := map[string]any{"userId": claims.UserId}
		if before, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64); err == nil {
			body["before"] = before
		}
		s.proxy(w, r, "chat.messages."+r.PathValue("id"), body)
	})

	handle("POST /api/chat/message", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		body := decodeBody(r)
		body["senderId"] = claims.UserId
		s.proxy(w, r, "chat.send", body)
	})

	handle("PUT /api/chat/read/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.read."+r.PathValue("id"), map[string]string{"userId": claims.UserId})
	})

	handle("GET /api/chat/unread-count", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.unread", map[string]string{"userId": claims.UserId})
	})

	handle("POST /api/chat/reaction", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		body := decodeBody(r)
		body["userId"] = claims.UserId
		s.proxy(w, r, "chat.reaction", body)
	})

	handle("DELETE /api/chat/message/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.message.delete", map[string]string{
			"messageId": r.PathValue("id"),
			"userId":    claims.UserId,
		})
	})

	handle("PUT /api/chat/theme/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		body := decodeBody(r)
		body["userId"] = claims.UserId
		s.proxy(w, r, "chat.theme."+r.PathValue("id"), body)
	})

	handle("GET /api/chat/download/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.export."+r.PathValue("id"), map[string]string{
			"userId": claims.UserId,
			"format": r.URL.Query().Get("format"),
		})
	})

	// Trash lifecycle
	handle("DELETE /api/chat/conversation/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.trash."+r.PathValue("id"), map[string]string{"userId": claims.UserId})
	})

	handle("GET /api/chat/trash", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.trashed", map[string]string{"userId": claims.UserId})
	})

	handle("POST /api/chat/restore/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.restore."+r.PathValue("id"), map[string]string{"userId": claims.UserId})
	})

	handle("DELETE /api/chat/permanent-delete/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "chat.permanent."+r.PathValue("id"), map[string]string{"userId": claims.UserId})
	})

	// Notifications
	handle("GET /api/notifications", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "notify.list", map[string]string{"userId": claims.UserId})
	})

	handle("PUT /api/notifications/read/{id}", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "notify.read", map[string]string{
			"userId": claims.UserId,
			"id":     r.PathValue("id"),
		})
	})

	handle("PUT /api/notifications/read-all", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "notify.readall", map[string]string{"userId": claims.UserId})
	})

	// Cleanup
	handle("POST /api/cleanup/run", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "cleanup.run", map[string]string{})
	})

	handle("GET /api/cleanup/stats", func(w http.ResponseWriter, r *http.Request, claims *UserClaims) {
		s.proxy(w, r, "cleanup.stats", map[string]string{})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}
