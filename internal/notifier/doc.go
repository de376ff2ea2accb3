// Package notifier is the single funnel for locally scheduled notifications.
//
// Every producer (screen handlers, the reminder scheduler, the realtime bridge)
// calls Manager.RequestDelivery. The manager consults the dedup ledger, hands
// the notification to the platform store and records the key only once the
// platform accepted it.
//
// # Deduplication
//
// The suppression check and the ledger write happen under one lock by
// reserving the key before the platform call. A failed platform call releases
// the reservation so a later request with the same key may retry.
//
// # Degraded mode
//
// When the platform has no notification API the manager turns into a no-op:
// RequestDelivery returns false with a nil error.
package notifier
