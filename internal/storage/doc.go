// Package storage persists accounts, villages, settings and task history.
//
// Every Store method runs in its own short transaction; no transaction is
// held across calls, so callers never keep database state alive while they
// wait on the game.
package storage
