// Package xid mints the prefixed identifiers used for store records, e.g.
// "ord-..." for orders and "ret-..." for return requests.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const randomBytes = 8

// New returns "<prefix>-<unix nanos>-<random hex>". The timestamp component
// keeps ids roughly ordered by creation time.
func New(prefix string) string {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		// Timestamp-only fallback when the entropy source is unavailable.
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
