package appcache

import (
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/appcache/strategy"

	"github.com/rs/xid"
)

const (
	clientCookieName         = "appcache_client"
	defaultClientIdleTimeout = 30 * time.Minute
)

// Client is an open instance of the application, e.g. a browser tab.
type Client struct {
	ID string
	// Controller is the cache name of the worker controlling the client.
	// Empty if the client is not controlled.
	Controller string
	LastSeen   time.Time
}

// Clients tracks the clients of a scope.
// A client is identified by a cookie assigned on its first navigation,
// and is considered closed once it has been idle for the idle timeout.
type Clients struct {
	mutex       sync.Mutex
	clients     map[string]*Client
	idleTimeout time.Duration
	now         func() time.Time
}

func NewClients(idleTimeout time.Duration) *Clients {
	if idleTimeout <= 0 {
		idleTimeout = defaultClientIdleTimeout
	}
	return &Clients{
		clients:     make(map[string]*Client),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Identify returns the client issuing the request.
// Navigations without a client identity get a new one.
// The boolean is false if the request cannot be tied to a client.
func (c *Clients) Identify(w http.ResponseWriter, req *http.Request) (Client, bool) {
	id := ""
	if cookie, err := req.Cookie(clientCookieName); err == nil {
		if _, err := xid.FromString(cookie.Value); err == nil {
			id = cookie.Value
		}
	}
	if id == "" {
		if !strategy.IsNavigation(req) {
			return Client{}, false
		}
		id = xid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	client, ok := c.clients[id]
	if !ok {
		client = &Client{ID: id}
		c.clients[id] = client
	}
	client.LastSeen = c.now()
	return *client, true
}

// Control makes the client controlled by the worker with the given cache name.
func (c *Clients) Control(id, name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if client, ok := c.clients[id]; ok {
		client.Controller = name
	}
}

// Claim makes every open client controlled by the worker with the given cache name.
// It returns the number of clients that changed controller.
func (c *Clients) Claim(name string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.prune()
	claimed := 0
	for _, client := range c.clients {
		if client.Controller != name {
			client.Controller = name
			claimed++
		}
	}
	return claimed
}

// Controlled returns the number of open clients controlled by the given cache name.
func (c *Clients) Controlled(name string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.prune()
	n := 0
	for _, client := range c.clients {
		if client.Controller == name {
			n++
		}
	}
	return n
}

// Len returns the number of open clients.
func (c *Clients) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.prune()
	return len(c.clients)
}

// prune forgets idle clients. The mutex must be held.
func (c *Clients) prune() {
	cutoff := c.now().Add(-c.idleTimeout)
	for id, client := range c.clients {
		if client.LastSeen.Before(cutoff) {
			delete(c.clients, id)
		}
	}
}
