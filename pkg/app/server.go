package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/durranitech/chat-backend/pkg/api"
	"github.com/durranitech/chat-backend/pkg/middleware"
	"github.com/durranitech/chat-backend/pkg/registry"
)

// Server is the stateless gateway over the messaging services. It translates
// HTTP requests and websocket subscriptions into service calls; everything
// stateful lives behind the services and the registry.
type Server struct {
	router        *chi.Mux
	conversations *api.ConversationService
	messages      *api.MessageService
	directory     *api.DirectoryService
	registry      *registry.Registry
	verifier      middleware.Verifier
	validate      *validator.Validate
}

func NewServer(
	router *chi.Mux,
	conversations *api.ConversationService,
	messages *api.MessageService,
	directory *api.DirectoryService,
	reg *registry.Registry,
	verifier middleware.Verifier,
) *Server {
	return &Server{
		router:        router,
		conversations: conversations,
		messages:      messages,
		directory:     directory,
		registry:      reg,
		verifier:      verifier,
		validate:      validator.New(),
	}
}

func (s *Server) Run(addr string) error {
	r := s.Routes()

	server := &http.Server{Addr: addr, Handler: r}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)

		// Cancels shutdownCtx if shutdown occurs before timeout
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	if err := server.ListenAndServe(); err != nil {
		return err
	}

	return nil
}
