package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

const notFoundBody = "404 Not found!"

// StaticServer serves files from the first root that holds the requested path.
type StaticServer struct {
	roots []string
}

func NewStaticServer(roots []string) *StaticServer {
	return &StaticServer{roots: append([]string(nil), roots...)}
}

func (s *StaticServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := filepath.FromSlash(path.Clean("/" + r.URL.Path))

	for _, root := range s.roots {
		if s.serveFrom(w, r, filepath.Join(root, name)) {
			return
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))
}

func (s *StaticServer) serveFrom(w http.ResponseWriter, r *http.Request, filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), file)

	return true
}

// StaticCache keeps one StaticServer per build variant directory for the process lifetime.
type StaticCache struct {
	mu      sync.RWMutex
	servers map[string]*StaticServer
}

func NewStaticCache() *StaticCache {
	return &StaticCache{servers: make(map[string]*StaticServer)}
}

// Get returns the cached server for key, creating it with roots on first use.
func (c *StaticCache) Get(key string, roots func() []string) *StaticServer {
	c.mu.RLock()
	server, ok := c.servers[key]
	c.mu.RUnlock()

	if ok {
		return server
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if server, ok = c.servers[key]; ok {
		return server
	}

	server = NewStaticServer(roots())
	c.servers[key] = server

	log.WithField("path", key).WithField("cached", len(c.servers)).Debug("created static server")

	return server
}
