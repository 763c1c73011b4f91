package queue

import "errors"

// Construction errors. Both are configuration mistakes and surface
// immediately from New.
var (
	ErrNilStore  = errors.New("queue: store is required")
	ErrEmptyName = errors.New("queue: queue name is required")
)

// ErrUnknownOrExpiredLease is returned by Renew and Complete when the token
// does not currently identify an active, unexpired lease. The two cases
// (never existed vs. expired and possibly reclaimed) are deliberately not
// distinguished: telling them apart would need a second, non-atomic read.
var ErrUnknownOrExpiredLease = errors.New("queue: unknown or expired lease")

// Claimed is a message checked out under a lease. The token, not the ID, is
// the credential for Renew and Complete.
type Claimed struct {
	ID         string
	LeaseToken string
	Payload    []byte
	// Tries counts claim attempts including this one. A first delivery has
	// Tries == 1; anything higher means the message was reclaimed after an
	// earlier lease lapsed.
	Tries int32
}
