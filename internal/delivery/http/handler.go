package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatsync/internal/conversation"
	"chatsync/internal/dispatcher"
	"chatsync/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// HealthCheck reports whether a dependency of the client is reachable.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 2 * time.Second

type HttpHandler struct {
	svc    session.Service
	logger logrus.FieldLogger
	checks map[string]HealthCheck
}

func NewHttpHandler(svc session.Service, logger logrus.FieldLogger) *HttpHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HttpHandler{
		svc:    svc,
		logger: logger.WithField("component", "control-api"),
		checks: map[string]HealthCheck{},
	}
}

// AddHealthCheck registers a check run by /healthz.
func (h *HttpHandler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// requestLogger tags log entries with the path and, behind the auth
// middleware, the token subject.
func (h *HttpHandler) requestLogger(r *http.Request) logrus.FieldLogger {
	log := h.logger.WithField("path", r.URL.Path)
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		log = log.WithField("subject", claims.Id())
	}
	return log
}

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func (h *HttpHandler) success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Message: "success", Data: data})
}

func (h *HttpHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return false
	}
	return true
}

// fail maps session errors to a status code. Validation failures carry the
// user-facing text in the message and the full error in data.
func (h *HttpHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *dispatcher.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, Response{Message: ve.Message, Data: ve})
	case errors.Is(err, dispatcher.ErrEmptyMessage):
		writeJSON(w, http.StatusUnprocessableEntity, Response{Message: err.Error()})
	case errors.Is(err, session.ErrChatNotFound):
		writeJSON(w, http.StatusNotFound, Response{Message: err.Error()})
	case errors.Is(err, dispatcher.ErrNoActiveChat),
		errors.Is(err, dispatcher.ErrNotWritable),
		errors.Is(err, conversation.ErrRemoved):
		writeJSON(w, http.StatusConflict, Response{Message: err.Error()})
	case errors.Is(err, session.ErrUploadUnavailable):
		writeJSON(w, http.StatusNotImplemented, Response{Message: err.Error()})
	case errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: err.Error()})
	default:
		h.requestLogger(r).WithError(err).Error("control request failed")
		writeJSON(w, http.StatusInternalServerError, Response{Message: "internal server error"})
		return
	}
	h.requestLogger(r).WithError(err).Debug("control request rejected")
}

// Method Get /healthz
func (h *HttpHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WithError(err).WithField("check", name).Warn("health check failed")
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "unhealthy", Data: status})
		return
	}
	h.success(w, status)
}

// Method Get /state
func (h *HttpHandler) GetState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.State(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, snap)
}

// Method Post /roster/search
func (h *HttpHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Term string `json:"term"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Search(r.Context(), req.Term); err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, nil)
}

// Method Post /chats/{chatId}/select
func (h *HttpHandler) SelectChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SelectChat(r.Context(), chi.URLParam(r, "chatId")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, nil)
}

// Method Post /conversation/close
func (h *HttpHandler) CloseChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseChat(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, nil)
}

// Method Post /conversation/draft
func (h *HttpHandler) SetDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.SetDraft(r.Context(), req.Content); err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, nil)
}

// Method Post /conversation/send
func (h *HttpHandler) Send(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.Send(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /conversation/typing
func (h *HttpHandler) Typing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsTyping bool `json:"isTyping"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.svc.Typing(r.Context(), req.IsTyping)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, map[string]bool{"sent": sent})
}

// Method Post /chats/private
func (h *HttpHandler) CreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserId string `json:"userId"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	in, err := h.svc.CreatePrivateChat(r.Context(), req.UserId)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /chats/group
func (h *HttpHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	in, err := h.svc.CreateGroup(r.Context(), req.Name, req.Members)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /conversation/members
func (h *HttpHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserId string `json:"userId"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	in, err := h.svc.AddMember(r.Context(), req.UserId)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Delete /conversation/members/{userId}
func (h *HttpHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.RemoveMember(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /conversation/leave
func (h *HttpHandler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	in, err := h.svc.LeaveGroup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /conversation/polls
func (h *HttpHandler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question      string   `json:"question"`
		Options       []string `json:"options"`
		AllowMultiple bool     `json:"allowMultiple"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	in, err := h.svc.CreatePoll(r.Context(), req.Question, req.Options, req.AllowMultiple)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /messages/{messageId}/vote
func (h *HttpHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OptionIndex *int `json:"optionIndex"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.OptionIndex == nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "optionIndex is required"})
		return
	}
	in, err := h.svc.Vote(r.Context(), chi.URLParam(r, "messageId"), *req.OptionIndex)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, in)
}

// Method Post /conversation/files
func (h *HttpHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, dispatcher.MaxUploadSize+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "file is required"})
		return
	}
	defer file.Close()

	if err := h.svc.UploadFile(r.Context(), header.Filename, header.Size, file); err != nil {
		h.fail(w, r, err)
		return
	}
	h.success(w, nil)
}
