package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MapHttpRoutes registers the control API. authMiddleware may be nil, in
// which case every route is open; metrics may be nil to omit /metrics.
func MapHttpRoutes(r *chi.Mux, httpHandler HttpHandler, authMiddleware *AuthMiddleware, metrics http.Handler) {
	r.Get("/healthz", http.HandlerFunc(httpHandler.Health))
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware.Authenticate)
		}

		r.Get("/state", http.HandlerFunc(httpHandler.GetState))
		r.Post("/roster/search", http.HandlerFunc(httpHandler.Search))

		r.Route("/chats", func(r chi.Router) {
			r.Post("/private", http.HandlerFunc(httpHandler.CreatePrivateChat))
			r.Post("/group", http.HandlerFunc(httpHandler.CreateGroup))
			r.Post("/{chatId}/select", http.HandlerFunc(httpHandler.SelectChat))
		})

		r.Route("/conversation", func(r chi.Router) {
			r.Post("/close", http.HandlerFunc(httpHandler.CloseChat))
			r.Post("/draft", http.HandlerFunc(httpHandler.SetDraft))
			r.Post("/send", http.HandlerFunc(httpHandler.Send))
			r.Post("/typing", http.HandlerFunc(httpHandler.Typing))
			r.Post("/members", http.HandlerFunc(httpHandler.AddMember))
			r.Delete("/members/{userId}", http.HandlerFunc(httpHandler.RemoveMember))
			r.Post("/leave", http.HandlerFunc(httpHandler.LeaveGroup))
			r.Post("/polls", http.HandlerFunc(httpHandler.CreatePoll))
			r.Post("/files", http.HandlerFunc(httpHandler.UploadFile))
		})

		r.Post("/messages/{messageId}/vote", http.HandlerFunc(httpHandler.Vote))
	})
}
