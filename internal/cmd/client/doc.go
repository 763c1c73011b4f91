// Package client implements the CLI verbs that talk to a running server over
// its HTTP API: add, claim, renew, complete, purge and stats.
package client
