// Package store defines the persistence contract consumed by the lease
// manager: insert-one, atomic find-one-and-update with filter and sort,
// count-matching, and delete-matching, plus a uniqueness guarantee on the
// lease token while a record is leased.
//
// Backends live in subpackages (pebble, mongo, redis, postgres). The lease
// manager never imports a backend; callers pick one and hand it over.
package store
