package app

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/durranitech/chat-backend/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/chat", func(r chi.Router) {
		r.Use(middleware.Authenticator(s.verifier))
		r.Post("/conversation", s.CreateConversation())
		r.Get("/conversation", s.ListConversations())
		r.Post("/conversation/{conversationId}/message", s.SendMessage())
		r.Get("/conversation/{conversationId}/message", s.ListMessages())
		r.Post("/message/{messageId}/read", s.MarkRead())
		r.Get("/ws", s.ServeWs())
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(middleware.Authenticator(s.verifier))
		r.Post("/", s.CreateProfile())
		r.Get("/search", s.SearchUsers())
		r.Patch("/me", s.UpdateProfile())
		r.Get("/{userId}", s.GetProfile())
	})

	return r
}
