// Package notifier delivers per-account Telegram messages.
//
// Send resolves the account's own bot token and chat id from the store and
// enqueues the message; a worker pool delivers it with a shared rate limit,
// bounded retries and a dedup window. Delivery failures are reported on the
// event bus and in the log, never to the caller.
//
// The service keeps a small in-memory history of delivered messages for the
// HTTP status view.
package notifier
