package appcache

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	cachekey "github.com/always-cache/appcache/pkg/cache-key"
	tee "github.com/always-cache/appcache/pkg/response-writer-tee"
	"github.com/always-cache/appcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnreachable is returned by a network that cannot reach the requested origin.
var ErrUnreachable = errors.New("origin not reachable")

// Network is the fetch primitive of a registration.
type Network interface {
	// Fetch sends the request and returns the final response, following redirects.
	// An error means the network failed; any HTTP status is a successful fetch.
	// The request of the returned response carries the URL the response came from.
	Fetch(req *http.Request) (*http.Response, error)
	// Forward passes the request through untouched and writes the response to w.
	Forward(w http.ResponseWriter, req *http.Request)
}

type NetworkConfig struct {
	// Origin served by the proxy.
	Scope url.URL
	// URL of the server the scope is actually served from.
	// Origins with paths are not supported. Defaults to the scope.
	Upstream url.URL
	// Hostname to use for upstream requests and TLS negotiation.
	// Use if needed if e.g. the upstream URL is just an IP address.
	UpstreamHost string
	// Timeout of a fetch. A timed out fetch is a network failure.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// HTTPNetwork fetches over HTTP.
// Requests for the scope go to the upstream server, other origins are fetched directly.
type HTTPNetwork struct {
	scope        url.URL
	upstream     url.URL
	client       *http.Client
	hostHeader   string
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

func NewHTTPNetwork(config NetworkConfig) *HTTPNetwork {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	upstream := config.Upstream
	if upstream.Host == "" {
		upstream = config.Scope
	}

	hostHeader := upstream.Host
	var transport http.RoundTripper = http.DefaultTransport
	if config.UpstreamHost != "" {
		hostHeader = config.UpstreamHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.UpstreamHost,
			},
		}
	}

	n := &HTTPNetwork{
		scope:      config.Scope,
		upstream:   upstream,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		log: logger,
	}
	n.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Scope, upstream, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			n.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not pass request through")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return n
}

func (n *HTTPNetwork) Fetch(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)
	if strategy.SameOrigin(out.URL, &n.scope) {
		out.URL.Scheme = n.upstream.Scheme
		out.URL.Host = n.upstream.Host
		out.Host = n.hostHeader
	}
	n.log.Trace().Str("url", out.URL.String()).Msg("Fetching")
	res, err := n.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	n.rebase(res)
	return res, nil
}

// rebase makes a response that ended up on the upstream server read as coming from the scope.
func (n *HTTPNetwork) rebase(res *http.Response) {
	if res.Request == nil || !strategy.SameOrigin(res.Request.URL, &n.upstream) {
		return
	}
	final := res.Request.Clone(res.Request.Context())
	final.URL.Scheme = n.scope.Scheme
	final.URL.Host = n.scope.Host
	final.Host = n.scope.Host
	res.Request = final
}

func (n *HTTPNetwork) Forward(w http.ResponseWriter, req *http.Request) {
	n.reverseproxy.ServeHTTP(w, req)
}

// createDirector sends requests for the scope to the upstream server.
// Requests in absolute form for other origins keep their target.
func createDirector(scope, upstream url.URL, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.IsAbs() && !strategy.SameOrigin(req.URL, &scope) {
			return
		}
		req.URL.Scheme = upstream.Scheme
		req.URL.Host = upstream.Host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// HandlerNetwork uses an in-process handler as the network of the scope.
// Other origins are unreachable.
type HandlerNetwork struct {
	scope   url.URL
	handler http.Handler
}

func NewHandlerNetwork(scope url.URL, handler http.Handler) *HandlerNetwork {
	return &HandlerNetwork{scope: scope, handler: handler}
}

func (n *HandlerNetwork) Fetch(req *http.Request) (res *http.Response, err error) {
	if !strategy.SameOrigin(req.URL, &n.scope) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, req.URL)
	}
	// a panicking handler is a failed fetch
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("fetch %s: handler panic: %v", req.URL, p)
		}
	}()

	inbound := req.Clone(req.Context())
	inbound.URL = &url.URL{
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
	inbound.RequestURI = inbound.URL.RequestURI()
	inbound.Host = req.URL.Host

	rec := tee.NewResponseSaver()
	n.handler.ServeHTTP(rec, inbound)
	return rec.Result(req)
}

func (n *HandlerNetwork) Forward(w http.ResponseWriter, req *http.Request) {
	n.handler.ServeHTTP(w, req)
}

// hopByHopHeaders only apply to a single connection and are never forwarded or stored.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, field := range cachekey.GetListHeader(header, "Connection") {
		header.Del(field)
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
