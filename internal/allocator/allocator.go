// Package allocator hands out X display numbers and remote-display ports.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/faize-ai/appcast/internal/config"
	"github.com/faize-ai/appcast/internal/session"
)

// ErrResourceExhausted is returned when every value in a range is taken
var ErrResourceExhausted = errors.New("resource exhausted")

// Kind selects which resource to allocate
type Kind string

const (
	KindDisplay Kind = "display"
	KindPort    Kind = "port"
)

// Store is the persistence the allocator needs
type Store interface {
	ListActive() ([]*session.Session, error)
	Lock() (func(), error)
	Claim(kind string, value int, owner string) (bool, error)
	Release(kind string, value int, owner string) error
}

// Prober checks whether a value is in use on the live host
type Prober interface {
	PortFree(port int) bool
	DisplayFree(n int) bool
}

// Allocator finds free values by scanning a bounded range and skipping both
// values held by active sessions and values bound on the host.
type Allocator struct {
	store   Store
	prober  Prober
	display config.Range
	port    config.Range
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates an allocator over the given ranges
func New(store Store, prober Prober, display, port config.Range, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:   store,
		prober:  prober,
		display: display,
		port:    port,
		logger:  logger,
	}
}

// Allocate reserves the first free value of kind for owner
func (a *Allocator) Allocate(kind Kind, owner string) (int, error) {
	r, free, err := a.lookup(kind)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	unlock, err := a.store.Lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	reserved, err := a.reserved(kind)
	if err != nil {
		return 0, err
	}

	for v := r.Start; v <= r.End; v++ {
		if reserved[v] {
			continue
		}
		if !free(v) {
			a.logger.Debug("value bound outside appcast, skipping", "kind", kind, "value", v)
			continue
		}

		ok, err := a.store.Claim(string(kind), v, owner)
		if err != nil {
			return 0, fmt.Errorf("failed to claim %s %d: %w", kind, v, err)
		}
		if !ok {
			continue
		}

		a.logger.Debug("allocated", "kind", kind, "value", v, "owner", owner)
		return v, nil
	}

	return 0, fmt.Errorf("%w: no free %s in %d-%d", ErrResourceExhausted, kind, r.Start, r.End)
}

// Release gives a value back
func (a *Allocator) Release(kind Kind, value int, owner string) error {
	return a.store.Release(string(kind), value, owner)
}

func (a *Allocator) lookup(kind Kind) (config.Range, func(int) bool, error) {
	switch kind {
	case KindDisplay:
		return a.display, a.prober.DisplayFree, nil
	case KindPort:
		return a.port, a.prober.PortFree, nil
	default:
		return config.Range{}, nil, fmt.Errorf("unknown resource kind %q", kind)
	}
}

// reserved derives the values held by active sessions
func (a *Allocator) reserved(kind Kind) (map[int]bool, error) {
	active, err := a.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	held := make(map[int]bool, len(active))
	for _, sess := range active {
		var v *int
		if kind == KindDisplay {
			v = sess.Display
		} else {
			v = sess.Port
		}
		if v != nil {
			held[*v] = true
		}
	}
	return held, nil
}
