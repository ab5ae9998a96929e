// Package notifier delivers reminders to the owners' chats.
//
// Service implements reminder.Deliverer on top of a transport.Adapter:
// Deliver enqueues the notification and returns a handle immediately, and a
// small worker pool sends it under a token-bucket rate limit with jittered
// retries.
//
// # Tags
//
// Notifications carry a tag ("task-<id>"). A new delivery with a tag that is
// still on screen replaces the previous message, and every delivered message
// is deleted again after DismissAfter unless that is zero.
//
// # Dedup
//
// Identical notifications inside DedupWindow are suppressed. With
// PersistDedup the suppression survives restarts through the store.
package notifier
