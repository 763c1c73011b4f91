// Package redisstore persists queue records in Redis.
//
// Records live as JSON blobs in a hash, with two sorted sets for ordering: a
// ready set scored by (tries, sequence) and a visibility set scored by
// deadline, plus a token hash for lease lookup. Redis has no multi-key
// conditional update, so every read-modify-write runs as an embedded Lua
// script; scripts execute atomically on the server, which makes the
// find-one-and-update contract hold across any number of client processes.
package redisstore
