// Package queue implements a durable work queue with visibility-timeout
// leases over a pluggable record store.
//
// Producers Add messages; consumers Claim them, which hands back a lease
// token and hides the message for a visibility window. Holders Renew to keep
// working past the window and Complete to acknowledge. A lease that is
// neither renewed nor completed simply expires and the message becomes
// claimable again with its tries counter bumped, so delivery is at least
// once and crashed consumers need no cleanup.
//
// Every transition is one conditional find-and-update in the store, which is
// the entire concurrency story: queues hold no in-memory state and any number
// of processes may share one.
package queue
