// Package shard tracks which logical server new connections are assigned to.
//
// The counter starts at 1 and only moves forward. A "busy" balancer signal
// bumps it by one; "comfortable" leaves it alone. Sessions keep the shard
// they were given at open time, so advancing the counter only affects
// connections that open afterwards.
package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
)

// Balancer states.
const (
	StateBusy        = "busy"
	StateComfortable = "comfortable"
)

var (
	// ErrInvalidServerName is returned when a signal's server name has no shard number.
	ErrInvalidServerName = errors.New("invalid server name")
	// ErrUnknownState is returned for a balancer state other than busy or comfortable.
	ErrUnknownState = errors.New("unknown balancer state")
)

var serverNamePattern = regexp.MustCompile(`server(\d+)`)

// Signal is the payload carried on eventbus.BalancerTopic.
type Signal struct {
	State  string `json:"state"`
	Server string `json:"server"`
}

// Validate checks the signal without applying it.
func (s Signal) Validate() error {
	if _, err := ParseServerName(s.Server); err != nil {
		return err
	}
	switch s.State {
	case StateBusy, StateComfortable:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, s.State)
	}
}

// Assigner owns the current shard counter.
type Assigner struct {
	current atomic.Int64
	logger  *slog.Logger

	mu        sync.Mutex
	onAdvance []func(int)

	// advanceMu orders increments with their hooks.
	advanceMu sync.Mutex
}

// New returns an Assigner whose current shard is 1.
func New(logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assigner{logger: logger}
	a.current.Store(1)
	return a
}

// Assign returns the shard a connection opening now belongs to.
func (a *Assigner) Assign() int {
	return int(a.current.Load())
}

// Current returns the counter value.
func (a *Assigner) Current() int {
	return int(a.current.Load())
}

// OnAdvance registers fn to run with the new value each time the counter grows.
func (a *Assigner) OnAdvance(fn func(int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAdvance = append(a.onAdvance, fn)
}

// ParseServerName extracts N from a name like "server3".
func ParseServerName(name string) (int, error) {
	m := serverNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidServerName, name)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidServerName, name)
	}
	return n, nil
}

// ReceiveBalancerSignal applies a load signal. The shard number carried in
// serverName is validated and logged but does not influence the increment.
func (a *Assigner) ReceiveBalancerSignal(state, serverName string) error {
	sig := Signal{State: state, Server: serverName}
	if err := sig.Validate(); err != nil {
		return err
	}
	reporting, _ := ParseServerName(serverName)

	if state == StateComfortable {
		a.logger.Debug("shard comfortable", "reporting_shard", reporting)
		return nil
	}

	a.advanceMu.Lock()
	defer a.advanceMu.Unlock()

	next := int(a.current.Add(1))
	a.logger.Info("shard busy, advancing assignment",
		"reporting_shard", reporting,
		"current_shard", next,
	)
	a.notify(next)
	return nil
}

// Listen subscribes the assigner to balancer signals on bus.
func (a *Assigner) Listen(bus *eventbus.Bus) *eventbus.Subscription {
	return bus.Subscribe(eventbus.BalancerTopic, func(m eventbus.Message) error {
		var sig Signal
		switch p := m.Payload.(type) {
		case Signal:
			sig = p
		case *Signal:
			sig = *p
		default:
			return fmt.Errorf("unexpected balancer payload %T", m.Payload)
		}
		return a.ReceiveBalancerSignal(sig.State, sig.Server)
	})
}

func (a *Assigner) notify(next int) {
	a.mu.Lock()
	hooks := slices.Clone(a.onAdvance)
	a.mu.Unlock()

	for _, fn := range hooks {
		fn(next)
	}
}
