// Package dedupe provides a bounded, time-windowed set of recently seen keys.
// The auth layer uses it to avoid rewriting an unchanged user profile on
// every authenticated request.
package dedupe
