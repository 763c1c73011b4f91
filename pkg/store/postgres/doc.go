// Package pgstore persists queue records in PostgreSQL, one table per queue.
//
// The conditional find-one-and-update is a single UPDATE over a CTE that
// selects the candidate row with FOR UPDATE SKIP LOCKED, so concurrent
// claimers never block each other and never pick the same row. Lease token
// uniqueness is a partial unique index covering only active leases.
package pgstore
