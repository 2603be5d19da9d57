// Package notifier delivers participant notifications.
//
// Notify renders a message from package messages, skips it when the same
// (user, kind, date, index) key was already delivered, waits on a shared
// rate limiter and sends through a transport.Sender with a bounded timeout
// and jittered retries. Delivery is synchronous so scheduler tasks can retry
// a phase whose notification failed.
//
// Dedup marks live in memory and, when PersistDedup is set, in storage so a
// restart in the middle of a window does not repeat announcements.
package notifier
