// Package ports hands out local TCP ports for jdwp forwarding.
package ports

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
)

var (
	ErrNoPortAvailable = errors.New("no local port available")
	ErrPortInUse       = errors.New("port already reserved")
)

// Registry is the reservation set shared by every session of a process.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	min, max int
	log      logr.Logger

	// probe reports whether a port can be bound right now
	probe func(port int) bool

	mu       sync.Mutex
	reserved map[int]struct{}
}

type Option func(*Registry)

func WithLogger(log logr.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithProbe replaces the net.Listen based availability check.
func WithProbe(probe func(port int) bool) Option {
	return func(r *Registry) { r.probe = probe }
}

func NewRegistry(min, max int, opts ...Option) *Registry {
	r := &Registry{
		min:      min,
		max:      max,
		log:      logr.Discard(),
		probe:    canListen,
		reserved: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reservation holds one port until Release is called.
type Reservation struct {
	Port int

	registry *Registry
	once     sync.Once
}

// Release returns the port to the registry. Only the first call has any effect.
func (res *Reservation) Release() {
	if res == nil {
		return
	}
	res.once.Do(func() {
		res.registry.mu.Lock()
		delete(res.registry.reserved, res.Port)
		res.registry.mu.Unlock()
		res.registry.log.V(2).Info("released forward port", "port", res.Port)
	})
}

// Reserve picks a free port in the registry range, or takes fixed when it is non-zero.
// A fixed port skips the bind probe but is still tracked so two sessions cannot share it.
func (r *Registry) Reserve(fixed int) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fixed != 0 {
		if _, taken := r.reserved[fixed]; taken {
			return nil, fmt.Errorf("%w: %d", ErrPortInUse, fixed)
		}
		return r.take(fixed), nil
	}

	span := r.max - r.min + 1
	if span <= 0 {
		return nil, fmt.Errorf("%w: empty range %d-%d", ErrNoPortAvailable, r.min, r.max)
	}
	start := rand.IntN(span)
	for i := 0; i < span; i++ {
		port := r.min + (start+i)%span
		if _, taken := r.reserved[port]; taken {
			continue
		}
		if !r.probe(port) {
			continue
		}
		return r.take(port), nil
	}
	return nil, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, r.min, r.max)
}

func (r *Registry) take(port int) *Reservation {
	r.reserved[port] = struct{}{}
	r.log.V(2).Info("reserved forward port", "port", port)
	return &Reservation{Port: port, registry: r}
}

// Range returns the bounds random reservations are drawn from
func (r *Registry) Range() (min, max int) { return r.min, r.max }

// InUse reports whether port is currently reserved
func (r *Registry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reserved[port]
	return ok
}

// Len returns the number of outstanding reservations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reserved)
}

func canListen(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
