package appcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/always-cache/appcache/cache"
	policyrules "github.com/always-cache/appcache/pkg/policy-rules"
	"github.com/always-cache/appcache/strategy"

	"github.com/rs/zerolog"
)

// ErrInvalidState is returned when an event does not fit the worker's lifecycle state.
var ErrInvalidState = errors.New("invalid worker state")

// ErrInvalidConfig is returned when a worker cannot be created from its configuration.
var ErrInvalidConfig = errors.New("invalid worker config")

type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// transitions lists the states each state may move to.
// There is no way back: a failed install makes the worker redundant.
var transitions = map[State][]State{
	StateNew:        {StateInstalling},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated},
	StateActivated:  {StateRedundant},
}

type WorkerConfig struct {
	// Name of the application cache, e.g. "juststep-cache".
	Name string
	// Version identifier. Changing it invalidates all previously stored responses.
	Version string
	// URLs to store at install, relative to the scope.
	Manifest []string
	// Wait for clients of the previous version to go away before activating.
	DisableSkipWaiting bool
	// Do not take control of already open clients on activation.
	DisableClaim bool
	// Policy to use for all intercepted requests.
	// Empty or "auto" picks network-first for navigations and cache-first otherwise.
	Policy strategy.Policy
	// Rules override the policy for matching requests.
	Rules policyrules.Rules
	// Handlers replace the default handler of an event kind.
	Handlers Handlers
}

// CacheName returns the name of the store owned by the worker.
func (c WorkerConfig) CacheName() string {
	return c.Name + "-" + c.Version
}

func (c WorkerConfig) validate() error {
	if c.Name == "" || c.Version == "" {
		return fmt.Errorf("%w: name and version are required", ErrInvalidConfig)
	}
	if !c.Policy.Valid() {
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, c.Policy)
	}
	for _, rule := range c.Rules {
		if rule.Policy == "" || rule.Policy == strategy.AutoPolicy || !rule.Policy.Valid() {
			return fmt.Errorf("%w: rule has invalid policy %q", ErrInvalidConfig, rule.Policy)
		}
	}
	return nil
}

// Worker is one version of the proxy: a store name, a manifest and a dispatch table.
// It goes through its lifecycle exactly once.
type Worker struct {
	config    WorkerConfig
	reg       *Registration
	handlers  Handlers
	responses *cache.Responses
	log       zerolog.Logger

	state       atomic.Value
	skipWaiting atomic.Bool
	// held for reading while a fetch event is dispatched, for writing when retiring
	gate sync.RWMutex
	// deferred work of all events
	pending sync.WaitGroup
}

func newWorker(reg *Registration, config WorkerConfig) *Worker {
	w := &Worker{
		config: config,
		reg:    reg,
		log:    reg.log.With().Str("cache", config.CacheName()).Logger(),
	}
	w.state.Store(StateNew)
	w.handlers = Handlers{
		InstallEvent:  w.onInstall,
		ActivateEvent: w.onActivate,
		FetchEvent:    w.onFetch,
	}
	for kind, handler := range config.Handlers {
		w.handlers[kind] = handler
	}
	return w
}

func (w *Worker) CacheName() string {
	return w.config.CacheName()
}

func (w *Worker) Version() string {
	return w.config.Version
}

func (w *Worker) State() State {
	return w.state.Load().(State)
}

// SkipWaiting makes the worker activate as soon as it is installed,
// even if clients of the previous version are still open.
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// Store returns the store owned by the worker, opened at install.
func (w *Worker) Store() *cache.Responses {
	return w.responses
}

func (w *Worker) transition(to State) error {
	from := w.State()
	for _, allowed := range transitions[from] {
		if allowed == to {
			w.state.Store(to)
			w.log.Trace().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}

// dispatch runs the handler for the event and waits for the event to settle.
func (w *Worker) dispatch(ev *Event) error {
	handler, ok := w.handlers[ev.Kind]
	if !ok || handler == nil {
		return nil
	}
	err := handler(ev)
	return errors.Join(err, ev.settle())
}

// install runs the install event. The worker becomes redundant if it fails.
func (w *Worker) install(ctx context.Context) error {
	if err := w.transition(StateInstalling); err != nil {
		return err
	}
	w.log.Info().Msgf("Installing %s", w.config.Version)
	store, err := w.reg.storage.Open(ctx, w.CacheName())
	if err == nil {
		w.responses = cache.NewResponses(store, w.reg.keyer)
		err = w.dispatch(newEvent(ctx, InstallEvent, w, nil))
	}
	if err != nil {
		w.transition(StateRedundant)
		installs.WithLabelValues("failed").Inc()
		return fmt.Errorf("install %s: %w", w.CacheName(), err)
	}
	installs.WithLabelValues("installed").Inc()
	return w.transition(StateInstalled)
}

// activate runs the activate event. The worker ends up activated even if the
// event fails, since the previous worker is already gone.
func (w *Worker) activate(ctx context.Context) error {
	if err := w.transition(StateActivating); err != nil {
		return err
	}
	w.log.Info().Msgf("Activating %s", w.config.Version)
	err := w.dispatch(newEvent(ctx, ActivateEvent, w, nil))
	if err != nil {
		err = fmt.Errorf("activate %s: %w", w.CacheName(), err)
	}
	w.transition(StateActivated)
	return err
}

// retire makes the worker redundant and waits for the fetch events it is
// handling, including their deferred stores.
func (w *Worker) retire() {
	w.gate.Lock()
	w.state.Store(StateRedundant)
	w.gate.Unlock()
	w.pending.Wait()
	w.log.Debug().Msg("Worker retired")
}

// Wait blocks until all deferred work of the worker's events is done.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// fetch dispatches a fetch event for the request.
// It returns nil if the worker does not handle fetches anymore.
func (w *Worker) fetch(req *http.Request) *Event {
	w.gate.RLock()
	defer w.gate.RUnlock()
	if w.State() != StateActivated {
		return nil
	}
	ev := newEvent(req.Context(), FetchEvent, w, req)
	handler, ok := w.handlers[FetchEvent]
	if !ok || handler == nil {
		return ev
	}
	if err := handler(ev); err != nil {
		w.log.Error().Err(err).Str("url", req.URL.String()).Msg("Fetch handler failed")
	}
	return ev
}
