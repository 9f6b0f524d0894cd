// Package registry is a process-wide named registry of remoting
// endpoints. Applications hosting several servers or clients register
// them here and look them up by name; the "default" entry serves the
// common single-endpoint case without global singletons in the runtime
// packages themselves.
package registry

import (
	"sort"
	"sync"

	"github.com/marmos91/remoting/pkg/client"
	"github.com/marmos91/remoting/pkg/rpcerror"
	"github.com/marmos91/remoting/pkg/server"
)

// DefaultName is the name used by the Default* helpers.
const DefaultName = "default"

var (
	mu      sync.RWMutex
	servers = map[string]*server.Server{}
	clients = map[string]*client.Client{}
)

// RegisterServer adds a named server. Registering a taken name fails with
// duplicate_registration.
func RegisterServer(name string, s *server.Server) error {
	if name == "" {
		name = DefaultName
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := servers[name]; exists {
		return rpcerror.Newf(rpcerror.KindDuplicateRegistration, "server %q already registered", name)
	}
	servers[name] = s
	return nil
}

// Server returns the named server.
func Server(name string) (*server.Server, bool) {
	if name == "" {
		name = DefaultName
	}
	mu.RLock()
	defer mu.RUnlock()
	s, ok := servers[name]
	return s, ok
}

// DefaultServer returns the "default" server.
func DefaultServer() (*server.Server, bool) {
	return Server(DefaultName)
}

// UnregisterServer removes the named server without closing it.
func UnregisterServer(name string) {
	if name == "" {
		name = DefaultName
	}
	mu.Lock()
	delete(servers, name)
	mu.Unlock()
}

// RegisterClient adds a named client. Registering a taken name fails with
// duplicate_registration.
func RegisterClient(name string, c *client.Client) error {
	if name == "" {
		name = DefaultName
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := clients[name]; exists {
		return rpcerror.Newf(rpcerror.KindDuplicateRegistration, "client %q already registered", name)
	}
	clients[name] = c
	return nil
}

// Client returns the named client.
func Client(name string) (*client.Client, bool) {
	if name == "" {
		name = DefaultName
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := clients[name]
	return c, ok
}

// DefaultClient returns the "default" client.
func DefaultClient() (*client.Client, bool) {
	return Client(DefaultName)
}

// UnregisterClient removes the named client without disposing it.
func UnregisterClient(name string) {
	if name == "" {
		name = DefaultName
	}
	mu.Lock()
	delete(clients, name)
	mu.Unlock()
}

// Names returns the sorted names of registered servers and clients.
func Names() (serverNames, clientNames []string) {
	mu.RLock()
	defer mu.RUnlock()
	for n := range servers {
		serverNames = append(serverNames, n)
	}
	for n := range clients {
		clientNames = append(clientNames, n)
	}
	sort.Strings(serverNames)
	sort.Strings(clientNames)
	return serverNames, clientNames
}
