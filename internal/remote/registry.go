package remote

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend describes one way of talking to the portal. MaxAge is how long a
// session stays usable before it has to be replaced; zero means forever.
type Backend struct {
	Name    string
	Connect Connector
	MaxAge  time.Duration
}

var backendRegistry = struct {
	mu       sync.RWMutex
	backends map[string]Backend
}{
	backends: map[string]Backend{},
}

func RegisterBackend(backend Backend) {
	name := normalizeBackendName(backend.Name)
	if name == "" || backend.Connect == nil {
		return
	}
	backend.Name = name
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.backends[name] = backend
}

func LookupBackend(name string) (Backend, error) {
	name = normalizeBackendName(name)
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	backend, ok := backendRegistry.backends[name]
	if !ok {
		return Backend{}, fmt.Errorf("unsupported portal backend: %q", name)
	}
	return backend, nil
}

func Backends() []string {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	names := make([]string, 0, len(backendRegistry.backends))
	for name := range backendRegistry.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeBackendName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
