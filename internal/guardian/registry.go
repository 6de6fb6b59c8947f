package guardian

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fedimint/guardianctl/internal/domain"
)

// Registry owns one Client per guardian instance id.
type Registry struct {
	mu      sync.RWMutex
	opts    Options
	clients map[string]*Client
}

// NewRegistry creates an empty registry whose clients share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Add registers a guardian, replacing and shutting down any previous client
// with the same id.
func (r *Registry) Add(id, baseURL string) *Client {
	c := NewClient(id, baseURL, r.opts)
	r.mu.Lock()
	prev := r.clients[id]
	r.clients[id] = c
	r.mu.Unlock()
	if prev != nil {
		prev.Shutdown()
	}
	return c
}

// Get returns the client for id.
func (r *Registry) Get(id string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGuardian, id)
	}
	return c, nil
}

// IDs returns the registered guardian ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove shuts down and forgets the client for id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		c.Shutdown()
	}
	return ok
}

var errUncleanClose = errors.New("unclean close")

// ShutdownAll closes every connection concurrently. It returns an error
// naming how many closes were unclean and the first such guardian.
func (r *Registry) ShutdownAll() error {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var unclean atomic.Int32
	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			if !c.Shutdown() {
				unclean.Add(1)
				return fmt.Errorf("guardian %s: %w", c.ID(), errUncleanClose)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%d guardian connection(s) closed uncleanly: %w", unclean.Load(), err)
	}
	return nil
}
