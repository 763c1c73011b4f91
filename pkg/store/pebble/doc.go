// Package pebblestore persists queue records in an embedded Pebble database.
//
// Each record blob is indexed twice: a ready index ordered by (tries,
// insertion) that drives claim fairness, and a visibility index ordered by
// deadline that covers both delayed messages and in-flight leases. Entries
// migrate from the visibility index to the ready index as their deadlines
// pass, which is how an expired lease silently becomes claimable again.
// Active lease tokens get a third, unique index entry.
//
// All mutations for one transition land in a single Pebble batch behind a
// store-wide mutex, making find-one-and-update indivisible without a
// server-side query engine.
package pebblestore
