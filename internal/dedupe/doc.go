// Package dedupe remembers the latest content fingerprint per scope for a
// bounded time, so repeated identical reports can be recognised cheaply.
package dedupe
