package appcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	cachestatus "github.com/always-cache/appcache/pkg/cache-status"
)

// EventKind names a lifecycle or request event of a worker.
type EventKind string

const (
	InstallEvent  EventKind = "install"
	ActivateEvent EventKind = "activate"
	FetchEvent    EventKind = "fetch"
)

// Handler handles one event. An error fails the event.
type Handler func(ev *Event) error

// Handlers is the dispatch table of a worker.
type Handlers map[EventKind]Handler

// Event is passed to handlers. Handlers may extend its lifetime with WaitUntil;
// the event is settled once all deferred work is done.
type Event struct {
	Kind   EventKind
	Worker *Worker
	// Request is the intercepted request, fetch events only.
	Request *http.Request
	// Status is rendered as the Cache-Status header of the response, fetch events only.
	Status cachestatus.CacheStatus

	ctx       context.Context
	mutex     sync.Mutex
	wg        sync.WaitGroup
	errs      []error
	responded bool
	response  *http.Response
}

func newEvent(ctx context.Context, kind EventKind, worker *Worker, req *http.Request) *Event {
	return &Event{
		Kind:    kind,
		Worker:  worker,
		Request: req,
		Status:  cachestatus.New(cacheStatusName),
		ctx:     ctx,
	}
}

// Context returns the context of the event.
func (e *Event) Context() context.Context {
	return e.ctx
}

// WaitUntil runs fn in the background and keeps the event unsettled until fn returns.
// fn gets a context that is not canceled with the event's context, so a client
// going away does not abort deferred work.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	e.Worker.pending.Add(1)
	go func() {
		defer e.Worker.pending.Done()
		defer e.wg.Done()
		if err := fn(context.WithoutCancel(e.ctx)); err != nil {
			e.mutex.Lock()
			e.errs = append(e.errs, err)
			e.mutex.Unlock()
		}
	}()
}

// RespondWith answers a fetch event. A nil response means there is no response
// for the request, which the client sees as a failed load.
// Only the first call has an effect.
func (e *Event) RespondWith(res *http.Response) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.Kind != FetchEvent {
		return fmt.Errorf("%w: respond to %s event", ErrInvalidState, e.Kind)
	}
	if e.responded {
		return fmt.Errorf("%w: already responded", ErrInvalidState)
	}
	e.responded = true
	e.response = res
	return nil
}

// Response returns the response given to RespondWith.
// The boolean is false if the handler did not respond, i.e. the request passes through.
func (e *Event) Response() (*http.Response, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.response, e.responded
}

// settle waits for all deferred work and returns its errors.
func (e *Event) settle() error {
	e.wg.Wait()
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return errors.Join(e.errs...)
}
