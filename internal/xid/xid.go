// Package xid generates prefixed identifiers for ledger records such as
// drawers, shifts and cash movements. Sales, credit notes and overrides use
// UUIDs instead so they can be issued by external systems.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id like "mov-1724900000000000000-a1b2c3d4e5f60718". The
// timestamp keeps ids roughly sortable by creation time.
func New(prefix string) string {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(suffix))
}
