package pebblestore

import (
	"encoding/binary"

	"github.com/mistakster/mongodb-queue/pkg/id"
)

// Key prefixes under q/{name}/. Every non-completed record owns exactly one
// entry in either ready/ or vis/; leased records additionally own a tok/
// entry. Completed records keep only their rec/ blob until purged.
const (
	prefixRec   = "rec/"   // record blobs, keyed by 16-byte id
	prefixReady = "ready/" // eligible now: {tries 4B}{id 16B}
	prefixVis   = "vis/"   // hidden: {visible_at_ms 8B}{id 16B}
	prefixTok   = "tok/"   // active lease tokens: {token} -> id
)

// queuePrefix returns the base prefix for a queue.
// Format: q/{name}/
func queuePrefix(name string) string {
	return "q/" + name + "/"
}

func recKey(name string, rid id.ID) []byte {
	prefix := queuePrefix(name) + prefixRec
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], rid[:])
	return key
}

func recPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixRec)
}

// readyKey sorts by tries ascending, then id (insertion order) ascending.
// This ordering is the claim fairness policy.
func readyKey(name string, tries uint32, rid id.ID) []byte {
	prefix := queuePrefix(name) + prefixReady
	key := make([]byte, len(prefix)+4+16)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], tries)
	copy(key[len(prefix)+4:], rid[:])
	return key
}

func readyPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixReady)
}

// visKey sorts by visibility deadline, so a forward scan sees due entries
// first and can stop at the first future one.
func visKey(name string, visibleAtMs uint64, rid id.ID) []byte {
	prefix := queuePrefix(name) + prefixVis
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], visibleAtMs)
	copy(key[len(prefix)+8:], rid[:])
	return key
}

func visPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixVis)
}

func tokKey(name, token string) []byte {
	return []byte(queuePrefix(name) + prefixTok + token)
}

func tokPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixTok)
}

// upperBound returns the exclusive end key for a prefix scan.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}

// idFromIndexKey extracts the trailing 16-byte id from an index key.
func idFromIndexKey(key []byte) (id.ID, bool) {
	var rid id.ID
	if len(key) < 16 {
		return rid, false
	}
	copy(rid[:], key[len(key)-16:])
	return rid, true
}
