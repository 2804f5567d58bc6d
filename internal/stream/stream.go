// ABOUTME: Channel combinators for live-updating sequences: slot, debounce, join, switch.
// ABOUTME: Every stage ends promptly when its context is cancelled.

package stream

import (
	"context"
	"sync"
	"time"
)

// Slot is a single-value mailbox. A Put replaces any value not yet read,
// so a slow reader only ever sees the newest value.
type Slot[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewSlot returns an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Put stores v, dropping an unread older value. It never blocks and
// reports false once the slot is closed.
func (s *Slot[T]) Put(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
	return true
}

// C returns the read side of the slot.
func (s *Slot[T]) C() <-chan T {
	return s.ch
}

// Close closes the read side. An unread value stays readable.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Just returns a closed channel holding v.
func Just[T any](v T) <-chan T {
	ch := make(chan T, 1)
	ch <- v
	close(ch)
	return ch
}

// Debounce emits the most recent value from in once no newer value has
// arrived for window. Superseded values are dropped. A pending value is
// flushed when in closes; nothing is emitted after ctx ends.
func Debounce[T any](ctx context.Context, in <-chan T, window time.Duration) <-chan T {
	out := NewSlot[T]()
	go func() {
		defer out.Close()

		timer := time.NewTimer(window)
		timer.Stop()
		defer timer.Stop()

		var (
			pending T
			has     bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					if has {
						out.Put(pending)
					}
					return
				}
				pending, has = v, true
				timer.Reset(window)
			case <-timer.C:
				if has {
					out.Put(pending)
					var zero T
					pending, has = zero, false
				}
			}
		}
	}()
	return out.C()
}

// CombineLatest joins same-typed sources. Once every source has produced a
// value it emits a snapshot of the latest value per source on each update.
// A closed source keeps contributing its last value. The output closes
// when every source is closed or ctx ends.
func CombineLatest[T any](ctx context.Context, sources ...<-chan T) <-chan []T {
	type update struct {
		index  int
		value  T
		closed bool
	}

	out := NewSlot[[]T]()
	updates := make(chan update)

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-src:
					u := update{index: i, value: v, closed: !ok}
					select {
					case updates <- u:
					case <-ctx.Done():
						return
					}
					if !ok {
						return
					}
				}
			}
		}()
	}

	go func() {
		defer out.Close()
		defer wg.Wait()

		latest := make([]T, len(sources))
		seen := make([]bool, len(sources))
		ready, open := 0, len(sources)
		for open > 0 {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				if u.closed {
					open--
					continue
				}
				if !seen[u.index] {
					seen[u.index] = true
					ready++
				}
				latest[u.index] = u.value
				if ready == len(sources) {
					snapshot := make([]T, len(latest))
					copy(snapshot, latest)
					out.Put(snapshot)
				}
			}
		}
	}()
	return out.C()
}

// Map applies f to every value of in.
func Map[A, B any](ctx context.Context, in <-chan A, f func(A) B) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- f(a):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Distinct drops values equal to the one emitted just before.
func Distinct[T comparable](ctx context.Context, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		var (
			last T
			has  bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				if has && v == last {
					continue
				}
				last, has = v, true
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Switch forwards the values of the inner sequence built by f for the most
// recent value of in. Each new outer value cancels the previous inner
// sequence.
func Switch[A, B any](ctx context.Context, in <-chan A, f func(context.Context, A) <-chan B) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)

		cancel := context.CancelFunc(func() {})
		defer func() { cancel() }()

		var inner <-chan B
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-in:
				if !ok {
					in = nil
					if inner == nil {
						return
					}
					continue
				}
				cancel()
				var innerCtx context.Context
				innerCtx, cancel = context.WithCancel(ctx)
				inner = f(innerCtx, a)
			case b, ok := <-inner:
				if !ok {
					inner = nil
					if in == nil {
						return
					}
					continue
				}
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
