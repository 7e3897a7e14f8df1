package registry

// Instance describes one server process serving a logical endpoint: where
// its socket lives and how it wants to be weighted among peers.
type Instance struct {
	Path    string // filesystem path of the listening socket
	Weight  int    // weight for instance selection
	Version string
}

// Registry is the optional discovery layer of the bus. Server and client can
// also meet on a plain socket path with no registry at all; with one, servers
// publish logical endpoint names and clients resolve them at (re)connect
// time.
type Registry interface {
	Register(endpoint string, instance Instance, ttl int64) error
	Deregister(endpoint string, path string) error
	Discover(endpoint string) ([]Instance, error)
	Watch(endpoint string) <-chan []Instance
}
