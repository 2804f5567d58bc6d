// ABOUTME: Reference-counted service state machine with single-flight transitions.
// ABOUTME: Initialize runs for the first consumer, Shutdown when the last one leaves.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrConsumerRegistered is returned by Start when the consumer already holds
// a reference to a started service.
var ErrConsumerRegistered = errors.New("consumer already registered")

// ErrEmptyConsumer is returned when Start or Stop is called without a name.
var ErrEmptyConsumer = errors.New("consumer name is required")

// State is the lifecycle state of a Service.
type State int32

// States.
const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Hooks are the transitions a concrete service implements.
type Hooks interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Funcs adapts two functions to Hooks. Nil functions are no-ops.
type Funcs struct {
	OnInitialize func(ctx context.Context) error
	OnShutdown   func(ctx context.Context) error
}

// Initialize calls OnInitialize.
func (f Funcs) Initialize(ctx context.Context) error {
	if f.OnInitialize == nil {
		return nil
	}
	return f.OnInitialize(ctx)
}

// Shutdown calls OnShutdown.
func (f Funcs) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}

// flight is one in-progress transition shared by every caller waiting on it.
type flight struct {
	done chan struct{}
	err  error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

func (f *flight) finish(err error) {
	f.err = err
	close(f.done)
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Service is a named, reference-counted component. Embed a *Service and
// pass the component's transitions as Hooks.
type Service struct {
	name     string
	hooks    Hooks
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	consumers map[string]struct{}
	pending   *flight
}

// New creates a stopped service. registry may be nil.
func New(name string, hooks Hooks, registry *Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:      name,
		hooks:     hooks,
		registry:  registry,
		logger:    logger.With("service", name),
		consumers: make(map[string]struct{}),
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Consumers returns the registered consumer names in sorted order.
func (s *Service) Consumers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerNamesLocked()
}

func (s *Service) consumerNamesLocked() []string {
	names := make([]string, 0, len(s.consumers))
	for c := range s.consumers {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// Start registers consumer and makes sure the service is started.
//
// The first consumer triggers Initialize. Callers arriving while it runs
// wait for the same outcome. A started service accepts new consumer names
// and rejects names it already holds with ErrConsumerRegistered. A service
// that is stopping finishes its shutdown before starting again.
func (s *Service) Start(ctx context.Context, consumer string) error {
	if consumer == "" {
		return ErrEmptyConsumer
	}

	for {
		s.mu.Lock()
		switch s.state {
		case StateStopped:
			s.consumers[consumer] = struct{}{}
			f := newFlight()
			s.pending = f
			s.state = StateStarting
			s.registry.track(s)
			s.mu.Unlock()

			return s.runInitialize(ctx, f, consumer)

		case StateStarting:
			s.consumers[consumer] = struct{}{}
			f := s.pending
			s.mu.Unlock()

			if err := f.wait(ctx); err != nil {
				if ctx.Err() != nil {
					s.releaseAfter(f, consumer)
				}
				return err
			}
			return nil

		case StateStarted:
			if _, exists := s.consumers[consumer]; exists {
				s.mu.Unlock()
				return fmt.Errorf("%w: %q on %s", ErrConsumerRegistered, consumer, s.name)
			}
			s.consumers[consumer] = struct{}{}
			s.mu.Unlock()
			s.logger.Debug("consumer added", "consumer", consumer)
			return nil

		case StateStopping:
			f := s.pending
			s.mu.Unlock()

			// The shutdown outcome belongs to whoever stopped us.
			if err := f.wait(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (s *Service) runInitialize(ctx context.Context, f *flight, consumer string) error {
	s.logger.Debug("initializing", "consumer", consumer)
	err := s.hooks.Initialize(ctx)

	s.mu.Lock()
	if err != nil {
		s.state = StateStopped
		clear(s.consumers)
		s.registry.untrack(s)
	} else {
		s.state = StateStarted
	}
	s.pending = nil
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("initializing %s: %w", s.name, err)
		s.logger.Warn("initialize failed", "error", err)
	} else {
		s.logger.Info("service started", "consumer", consumer)
	}
	f.finish(err)
	return err
}

// releaseAfter drops consumer once an abandoned start completes, so a
// caller that gave up waiting never pins the service.
func (s *Service) releaseAfter(f *flight, consumer string) {
	go func() {
		<-f.done
		if f.err == nil {
			if err := s.Stop(context.Background(), consumer); err != nil {
				s.logger.Warn("releasing abandoned consumer", "consumer", consumer, "error", err)
			}
		}
	}()
}

// Stop deregisters consumer. Shutdown runs exactly once, when the last
// consumer leaves. Unknown consumers are ignored.
func (s *Service) Stop(ctx context.Context, consumer string) error {
	if consumer == "" {
		return ErrEmptyConsumer
	}

	for {
		s.mu.Lock()
		switch s.state {
		case StateStopped:
			s.mu.Unlock()
			return nil

		case StateStarting, StateStopping:
			f := s.pending
			s.mu.Unlock()
			if err := f.wait(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

		case StateStarted:
			if _, exists := s.consumers[consumer]; !exists {
				s.mu.Unlock()
				s.logger.Debug("stop from unknown consumer", "consumer", consumer)
				return nil
			}
			delete(s.consumers, consumer)
			if remaining := len(s.consumers); remaining > 0 {
				s.mu.Unlock()
				s.logger.Debug("consumer removed", "consumer", consumer, "remaining", remaining)
				return nil
			}

			f := newFlight()
			s.pending = f
			s.state = StateStopping
			s.mu.Unlock()

			return s.runShutdown(ctx, f, consumer)
		}
	}
}

func (s *Service) runShutdown(ctx context.Context, f *flight, consumer string) error {
	s.logger.Debug("shutting down", "consumer", consumer)
	err := s.hooks.Shutdown(ctx)

	s.mu.Lock()
	s.state = StateStopped
	s.pending = nil
	s.registry.untrack(s)
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("shutting down %s: %w", s.name, err)
		s.logger.Warn("shutdown failed", "error", err)
	} else {
		s.logger.Info("service stopped", "consumer", consumer)
	}
	f.finish(err)
	return err
}

// Status is a point-in-time view of one service.
type Status struct {
	Name      string
	State     State
	Consumers []string
}

func (s *Service) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Name: s.name, State: s.state, Consumers: s.consumerNamesLocked()}
}
