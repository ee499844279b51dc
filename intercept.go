package appcache

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	cachestatus "github.com/always-cache/appcache/pkg/cache-status"
	"github.com/always-cache/appcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ServeHTTP implements the http.Handler interface.
// Requests go to the fetch handler of the active worker. Whatever the worker
// does not respond to passes through to the network untouched.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	written := false
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			r.log.Error().Interface("panic", p).Str("url", req.URL.String()).Msg("Recovered from panic in fetch handling")
			if !written {
				r.passThrough(w, req, r.bypassStatus())
			}
		}
	}()

	if r.modifyRequest != nil {
		r.modifyRequest(req)
	}
	r.promote(req.Context())

	worker := r.active.Load()
	if worker == nil {
		r.passThrough(w, req, r.bypassStatus())
		return
	}

	fetchReq := r.fetchRequest(req)
	if client, ok := r.clients.Identify(w, req); ok {
		if strategy.IsNavigation(req) {
			r.clients.Control(client.ID, worker.CacheName())
		} else if client.Controller != "" && client.Controller != worker.CacheName() {
			// still controlled by a worker that is gone
			r.passThrough(w, req, r.bypassStatus())
			return
		}
	}

	ev := worker.fetch(fetchReq)
	if ev == nil {
		r.passThrough(w, req, r.bypassStatus())
		return
	}
	defer r.settle(ev)

	res, responded := ev.Response()
	if !responded {
		if ev.Status.Status == "" {
			ev.Status.Forward(cachestatus.FwdBypass)
		}
		r.passThrough(w, req, ev.Status)
		return
	}
	written = true
	if res == nil {
		r.sendNoResponse(w, req, ev.Status)
		return
	}
	r.send(w, req, res, ev.Status)
}

// fetchRequest returns the request as seen by fetch handlers: with an absolute URL.
// Requests in origin form are for the scope.
func (r *Registration) fetchRequest(req *http.Request) *http.Request {
	fetchReq := req.Clone(req.Context())
	if !req.URL.IsAbs() {
		fetchReq.URL = r.scope.ResolveReference(req.URL)
	}
	fetchReq.RequestURI = ""
	return fetchReq
}

// settle waits for the deferred work of a fetch event in the background.
func (r *Registration) settle(ev *Event) {
	go func() {
		if err := ev.settle(); err != nil {
			ev.Worker.log.Warn().Err(err).Str("url", ev.Request.URL.String()).Msg("Could not store response")
		}
	}()
}

func (r *Registration) bypassStatus() cachestatus.CacheStatus {
	cs := cachestatus.New(cacheStatusName)
	cs.Forward(cachestatus.FwdBypass)
	return cs
}

// onFetch is the default fetch handler.
// Only same-origin GET requests are intercepted.
func (w *Worker) onFetch(ev *Event) error {
	req := ev.Request
	if req.Method != http.MethodGet {
		ev.Status.Forward(cachestatus.FwdMethod)
		return nil
	}
	if !strategy.SameOrigin(req.URL, &w.reg.scope) {
		ev.Status.Forward(cachestatus.FwdBypass)
		return nil
	}

	policy := w.policy(req)
	respond := strategy.Func(policy)
	if respond == nil {
		ev.Status.Forward(cachestatus.FwdBypass)
		return nil
	}

	logger := w.log.With().Str("policy", string(policy)).Str("url", req.URL.String()).Logger()
	ev.ctx = logger.WithContext(ev.ctx)
	result, err := respond(ev, req, w.responses, w.reg.network.Fetch)
	if errors.Is(err, strategy.ErrNoResponse) {
		ev.Status.Forward(cachestatus.FwdMiss)
		ev.Status.Detail = "no-response"
		return ev.RespondWith(nil)
	}
	if err != nil {
		return err
	}

	if result.FromCache {
		ev.Status.Hit()
	} else {
		if policy == strategy.NetworkFirstPolicy {
			ev.Status.Forward(cachestatus.FwdRequest)
		} else {
			ev.Status.Forward(cachestatus.FwdUriMiss)
		}
		ev.Status.FwdStatus = result.Response.StatusCode
		ev.Status.Stored = result.Stored
	}
	return ev.RespondWith(result.Response)
}

// policy returns the retrieval policy for an intercepted request.
func (w *Worker) policy(req *http.Request) strategy.Policy {
	if policy, ok := w.config.Rules.Policy(req); ok {
		w.log.Trace().Str("policy", string(policy)).Msgf("Rule matched %s", req.URL.Path)
		return policy
	}
	if w.config.Policy != "" && w.config.Policy != strategy.AutoPolicy {
		return w.config.Policy
	}
	return strategy.Select(req)
}

// passThrough hands the request to the network untouched.
func (r *Registration) passThrough(w http.ResponseWriter, req *http.Request, cs cachestatus.CacheStatus) {
	// set cache-status on the response only, the request stays as it is
	w.Header().Add("Cache-Status", cs.String())
	r.logRequest(req, cs)
	r.network.Forward(w, req)
}

func (r *Registration) send(w http.ResponseWriter, req *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	removeHopByHopHeaders(w.Header())
	if res.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		bytesWritten, err = io.Copy(w, res.Body)
		if err != nil {
			getLogger(req, r.log).Error().Err(err).Msg("Could not write response body to client")
		}
	}
	r.logRequest(req, cs)
	getLogger(req, r.log).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// sendNoResponse tells the client that there is neither a network nor a stored response.
func (r *Registration) sendNoResponse(w http.ResponseWriter, req *http.Request, cs cachestatus.CacheStatus) {
	w.Header().Add("Cache-Status", cs.String())
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	r.logRequest(req, cs)
}

func (r *Registration) logRequest(req *http.Request, cs cachestatus.CacheStatus) {
	outcome := string(cs.FwdReason)
	isHit := 0
	if cs.IsHit() {
		outcome = string(cachestatus.StatusHit)
		isHit = 1
	}
	requests.WithLabelValues(outcome).Inc()
	getLogger(req, r.log).Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("sourceIp", getRequestSourceIp(req)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the given default logger.
func getLogger(req *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	logger := hlog.FromRequest(req)
	if logger.GetLevel() == zerolog.Disabled {
		return &fallback
	}
	return logger
}

// getRequestSourceIp returns the client address without its port.
func getRequestSourceIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardingHeaders describe the hop to an upstream proxy, not the response.
var forwardingHeaders = map[string]bool{
	"X-Forwarded-For":   true,
	"X-Forwarded-Proto": true,
	"X-Forwarded-Host":  true,
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		if forwardingHeaders[name] {
			continue
		}
		dst[name] = append(dst[name], values...)
	}
}
