// Command pantrysync delivers queued offline writes to a pantry server.
//
// Pantrysync drains a durable local write queue (recipes, shopping lists,
// shopping items, chores) against the household server, retrying with
// backoff and dead-lettering writes the server permanently rejects.
//
// Install:
//
//	go install github.com/nuetzliches/pantrysync/cmd/pantrysync@latest
//
// Usage:
//
//	pantrysync run --server https://pantry.example.com --db ./.data/pantrysync.db
package main
