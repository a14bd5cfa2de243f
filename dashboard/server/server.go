package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"ci-dashboard/goutils/health"
	"ci-dashboard/goutils/settings"
)

const shutdownTimeout = 10 * time.Second

// NewRouter mounts the dispatcher in front of a chi mux that only knows the health endpoint,
// so anything the dispatcher passes on ends in chi's 404.
func NewRouter(settingsObj *settings.SettingsObj, dispatcher *Dispatcher) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		STSSeconds:         31536000,
		IsDevelopment:      !settingsObj.TLSEnabled(),
	})

	r := chi.NewRouter()
	r.Use(secureMiddleware.Handler)
	r.Use(dispatcher.Middleware)
	r.Handle(settingsObj.Healthcheck.Endpoint, health.HealthCheckHandler())

	return r
}

func NewHTTPServer(settingsObj *settings.SettingsObj, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", settingsObj.Port),
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts the server down gracefully.
// TLS is used when a certificates directory is configured.
func ListenAndServe(ctx context.Context, settingsObj *settings.SettingsObj, srv *http.Server) error {
	errChan := make(chan error, 1)

	go func() {
		var err error

		if settingsObj.TLSEnabled() {
			log.WithField("addr", srv.Addr).Info("starting https server")
			err = srv.ListenAndServeTLS(settingsObj.CertFile(), settingsObj.KeyFile())
		} else {
			log.WithField("addr", srv.Addr).Info("starting http server")
			err = srv.ListenAndServe()
		}

		errChan <- err
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("shutting down http server")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
