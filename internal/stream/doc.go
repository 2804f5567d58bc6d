// Package stream composes live-updating sequences built on channels.
//
// A sequence is a receive-only channel that yields the current value and
// then every change after it. Stages take a context and close their output
// once it is cancelled or their inputs are exhausted.
//
//   - Slot holds at most one unread value, so a slow reader skips straight
//     to the newest one.
//   - Debounce emits a value only after its input has been quiet for the
//     window.
//   - CombineLatest emits every source's latest value once all have
//     produced one.
//   - Switch restarts an inner sequence whenever its input changes.
//
// Map, Distinct and Just fill in the small gaps between those.
package stream
