// Package storage persists participants, their settled-day history and the
// notifier's dedup marks.
//
// Four backends share the Store contract: memory, file (snapshot + journal),
// sqlite (modernc, pure Go) and postgres (pgx pool). Every backend makes
// UpdateParticipant atomic so a scheduler task and a chat command racing on
// the same participant cannot lose an update.
package storage
