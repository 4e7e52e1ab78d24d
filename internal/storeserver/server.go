// Package storeserver hosts the REST object store of the fleet. It
// exposes the same objects on two listeners: the external API used by
// operators and tools, and the controller API reserved for the
// dispatcher. Both share one sqlite database and one watch hub.
package storeserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fleetd/internal/storage"
	"fleetd/pkg/logger"
)

// Options configures the store server.
type Options struct {
	// ExternalAddr is the user facing listen address.
	ExternalAddr string
	// ControllerAddr is the private listen address for the dispatcher.
	ControllerAddr string
	// Retention is how long finished missions are kept. Zero keeps them
	// forever.
	Retention time.Duration
	// JanitorSpec overrides the cron schedule of the retention sweep.
	JanitorSpec string
}

// Server runs both API surfaces of the object store.
type Server struct {
	db         *storage.DB
	hub        *Hub
	external   *http.Server
	controller *http.Server
	janitor    *Janitor
}

// NewServer wires the handlers of both roles onto their listeners.
func NewServer(db *storage.DB, opts Options) (*Server, error) {
	hub := NewHub()
	s := &Server{
		db:         db,
		hub:        hub,
		external:   newHTTPServer(opts.ExternalAddr, db, hub, RoleExternal),
		controller: newHTTPServer(opts.ControllerAddr, db, hub, RoleController),
	}
	if opts.Retention > 0 {
		spec := opts.JanitorSpec
		if spec == "" {
			spec = "@hourly"
		}
		janitor, err := NewJanitor(db, opts.Retention, spec)
		if err != nil {
			return nil, err
		}
		s.janitor = janitor
	}
	return s, nil
}

func newHTTPServer(addr string, db *storage.DB, hub *Hub, role Role) *http.Server {
	router := mux.NewRouter()
	newHandler(db, hub, role).routes(router)
	return &http.Server{
		Addr:        addr,
		Handler:     Recovery(Logging(router)),
		ReadTimeout: 60 * time.Second,
		// Watch responses stream forever, so no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
}

// Handler returns the full handler tree of one role. Tests mount it on
// httptest servers instead of binding real ports.
func (s *Server) Handler(role Role) http.Handler {
	if role == RoleController {
		return s.controller.Handler
	}
	return s.external.Handler
}

// Start runs both listeners until one fails or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor.Start()
	}

	errCh := make(chan error, 2)
	serve := func(role Role, srv *http.Server) {
		logger.Info().
			Str("role", string(role)).
			Str("addr", srv.Addr).
			Msg("Store API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s store API: %w", role, err)
			return
		}
		errCh <- nil
	}
	go serve(RoleExternal, s.external)
	go serve(RoleController, s.controller)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		shutdownErr := s.Shutdown()
		if err != nil {
			return err
		}
		return shutdownErr
	}
}

// Shutdown stops the janitor and drains both listeners.
func (s *Server) Shutdown() error {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errExternal := s.external.Shutdown(ctx)
	errController := s.controller.Shutdown(ctx)
	if errExternal != nil {
		return errExternal
	}
	return errController
}
