package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/router"
)

type contextKey string

const (
	apexContextKey   contextKey = "apex"
	schemeContextKey contextKey = "scheme"
)

// Dispatcher routes requests addressed to a build host to its artifacts and everything
// else to the named page routes.
type Dispatcher struct {
	parser         *router.HostParser
	store          *artifacts.Store
	routes         *router.Table
	static         *StaticCache
	staticSegments []string
	hostName       string
	scheme         string
}

// NewDispatcher builds a dispatcher. hostName is the apex used for redirects and links,
// when empty it is taken from the trailing label of each request host.
func NewDispatcher(
	parser *router.HostParser,
	store *artifacts.Store,
	routes *router.Table,
	static *StaticCache,
	staticSegments []string,
	hostName string,
	tlsEnabled bool,
) *Dispatcher {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}

	return &Dispatcher{
		parser:         parser,
		store:          store,
		routes:         routes,
		static:         static,
		staticSegments: staticSegments,
		hostName:       hostName,
		scheme:         scheme,
	}
}

func (d *Dispatcher) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coords, err := d.parser.Parse(r.Context(), r.Host)
		if err != nil {
			d.serveRoute(w, r, next)

			return
		}

		variant := coords.Variant()
		if !d.store.Exists(variant) {
			http.Redirect(w, r, d.scheme+"://"+d.apex(r.Host), http.StatusFound)

			return
		}

		if d.isPage(r.URL.Path) {
			d.serveIndex(w, r, variant)

			return
		}

		variantDir := d.store.VariantDir(variant)
		d.static.Get(variantDir, func() []string {
			return d.store.Roots(variant)
		}).ServeHTTP(w, r)
	})
}

func (d *Dispatcher) serveRoute(w http.ResponseWriter, r *http.Request, next http.Handler) {
	handler, params, ok := d.routes.Match(r.URL.Path)
	if !ok {
		next.ServeHTTP(w, r)

		return
	}

	ctx := context.WithValue(r.Context(), apexContextKey, d.apex(r.Host))
	ctx = context.WithValue(ctx, schemeContextKey, d.scheme)

	body, err := handler(ctx, params)
	if err != nil {
		log.WithError(err).WithField("path", r.URL.Path).Error("page handler failed")

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Error! " + err.Error()))

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func (d *Dispatcher) serveIndex(w http.ResponseWriter, r *http.Request, variant *artifacts.Variant) {
	data, err := os.ReadFile(filepath.Join(d.store.VariantDir(variant), "index.html"))
	if err != nil {
		log.WithError(err).WithField("host", r.Host).Warn("cannot read build index page")

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(notFoundBody))

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// isPage is true for navigation requests, which all get the variant's index.html.
func (d *Dispatcher) isPage(urlPath string) bool {
	for _, segment := range d.staticSegments {
		if strings.Contains(urlPath, "/"+segment+"/") {
			return false
		}
	}

	return true
}

func (d *Dispatcher) apex(host string) string {
	if d.hostName != "" {
		return d.hostName
	}

	labels := strings.Split(host, ".")

	return labels[len(labels)-1]
}

func apexFromContext(ctx context.Context) string {
	apex, _ := ctx.Value(apexContextKey).(string)

	return apex
}

func schemeFromContext(ctx context.Context) string {
	scheme, ok := ctx.Value(schemeContextKey).(string)
	if !ok {
		return "http"
	}

	return scheme
}
