package appcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/appcache/cache"
	cachekey "github.com/always-cache/appcache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cacheStatusName identifies the proxy in Cache-Status header fields.
const cacheStatusName = "AppCache"

type Config struct {
	// Origin served by the proxy. Requests for other origins pass through.
	// Scopes with paths are not supported.
	Scope url.URL
	// Storage for the versioned stores. In-memory storage is used if nil.
	Storage cache.Storage
	// Network to fetch from and pass requests through to.
	Network Network
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clients idle for longer than this are considered closed.
	ClientIdleTimeout time.Duration
	// Optional function for mutating the incoming request.
	// Use it e.g. for setting the request `Cache-Key` header when needed.
	RequestModifier func(*http.Request)
}

// Registration is the proxy for one scope.
// It owns the storage, the network and the clients, and runs at most one
// active and one waiting worker.
type Registration struct {
	scope         url.URL
	storage       cache.Storage
	network       Network
	clients       *Clients
	keyer         cachekey.CacheKeyer
	log           zerolog.Logger
	modifyRequest func(*http.Request)

	// serializes lifecycle updates
	mutex   sync.Mutex
	active  atomic.Pointer[Worker]
	waiting atomic.Pointer[Worker]
}

// NewRegistration creates a registration without workers.
// Until a worker is registered, every request passes through.
func NewRegistration(config Config) *Registration {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("scope", config.Scope.String()).
		Logger()

	storage := config.Storage
	if storage == nil {
		storage = cache.NewMemStorage()
	}
	network := config.Network
	if network == nil {
		network = NewHTTPNetwork(NetworkConfig{Scope: config.Scope, Logger: &logger})
	}
	scope := config.Scope
	scope.Path = "/"

	return &Registration{
		scope:         scope,
		storage:       storage,
		network:       network,
		clients:       NewClients(config.ClientIdleTimeout),
		keyer:         cachekey.NewCacheKeyer(&scope),
		log:           logger,
		modifyRequest: config.RequestModifier,
	}
}

// Register installs a worker for the given config.
// The installed worker activates right away if it skips waiting, if there is
// no active worker, or if the active worker controls no open clients.
// Otherwise it waits until the clients of the active worker are gone.
//
// Registering the version that is already active or waiting is a no-op.
// If the install fails, the previous worker stays active.
func (r *Registration) Register(ctx context.Context, config WorkerConfig) (*Worker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, existing := range []*Worker{r.active.Load(), r.waiting.Load()} {
		if existing != nil && existing.CacheName() == config.CacheName() {
			r.log.Debug().Msgf("%s is already registered", config.CacheName())
			return existing, nil
		}
	}

	w := newWorker(r, config)
	if err := w.install(ctx); err != nil {
		r.log.Error().Err(err).Msg("Install failed, keeping the previous worker")
		return w, err
	}
	if previous := r.waiting.Swap(w); previous != nil {
		previous.retire()
	}

	active := r.active.Load()
	if w.skipWaiting.Load() || active == nil || r.clients.Controlled(active.CacheName()) == 0 {
		return w, r.activateWaiting(ctx)
	}
	r.log.Info().Msgf("%s installed, waiting for clients of %s", w.CacheName(), active.CacheName())
	return w, nil
}

// activateWaiting replaces the active worker with the waiting one.
// The mutex must be held.
func (r *Registration) activateWaiting(ctx context.Context) error {
	w := r.waiting.Swap(nil)
	if w == nil {
		return nil
	}
	if previous := r.active.Swap(w); previous != nil {
		previous.retire()
	}
	if err := w.activate(ctx); err != nil {
		r.log.Error().Err(err).Msg("Activation failed")
		return err
	}
	return nil
}

// promote activates the waiting worker once the active worker controls no open clients.
func (r *Registration) promote(ctx context.Context) {
	if r.waiting.Load() == nil || !r.mutex.TryLock() {
		return
	}
	defer r.mutex.Unlock()
	active := r.active.Load()
	if active != nil && r.clients.Controlled(active.CacheName()) > 0 {
		return
	}
	r.activateWaiting(context.WithoutCancel(ctx))
}

// Active returns the active worker, or nil if there is none.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Waiting returns the installed worker waiting to activate, or nil if there is none.
func (r *Registration) Waiting() *Worker {
	return r.waiting.Load()
}

// Clients returns the clients of the scope.
func (r *Registration) Clients() *Clients {
	return r.clients
}

// Store returns the responses in the store with the given name.
func (r *Registration) Store(ctx context.Context, name string) (*cache.Responses, error) {
	ok, err := r.storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, name)
	}
	store, err := r.storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return cache.NewResponses(store, r.keyer), nil
}

// Wait blocks until the deferred work of all current workers is done.
func (r *Registration) Wait() {
	for _, w := range []*Worker{r.active.Load(), r.waiting.Load()} {
		if w != nil {
			w.Wait()
		}
	}
}

type WorkerStatus struct {
	Cache   string `json:"cache"`
	Version string `json:"version"`
	State   State  `json:"state"`
}

type Status struct {
	Scope   string        `json:"scope"`
	Active  *WorkerStatus `json:"active,omitempty"`
	Waiting *WorkerStatus `json:"waiting,omitempty"`
	Stores  []string      `json:"stores"`
	Clients int           `json:"clients"`
}

// Status describes the registration.
func (r *Registration) Status(ctx context.Context) (Status, error) {
	status := Status{
		Scope:   r.scope.String(),
		Active:  workerStatus(r.active.Load()),
		Waiting: workerStatus(r.waiting.Load()),
		Clients: r.clients.Len(),
	}
	stores, err := r.storage.Keys(ctx)
	if err != nil {
		return status, fmt.Errorf("list stores: %w", err)
	}
	status.Stores = stores
	return status, nil
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{Cache: w.CacheName(), Version: w.Version(), State: w.State()}
}

// Middleware returns a function that puts a registration in front of a handler.
// The handler is the network of the registration, and the worker is registered right away.
func Middleware(config Config, worker WorkerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		config.Network = NewHandlerNetwork(config.Scope, next)
		reg := NewRegistration(config)
		if _, err := reg.Register(context.Background(), worker); err != nil {
			reg.log.Error().Err(err).Msg("Could not register worker")
		}
		return reg
	}
}
