package health

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"ci-dashboard/goutils/settings"
)

func HealthCheckHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// HealthCheck starts a non-blocking health check listener on its own port.
func HealthCheck(config *settings.Healthcheck) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(config.Endpoint, HealthCheckHandler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.Port), Handler: mux}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start health check http server")
		}
	}()

	log.WithField("port", config.Port).Info("started health check http server")

	return srv
}
