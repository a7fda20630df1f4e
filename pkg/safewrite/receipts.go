package safewrite

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// receiptTTL bounds how long a write receipt stays outstanding. File
// system notifications for our own rename arrive within milliseconds;
// anything older is stale.
const receiptTTL = 30 * time.Second

// Receipts tracks content hashes the daemon is about to write, keyed by
// target path. The vault watcher consults it to tell the daemon's own
// renames apart from external edits. A receipt must be registered
// before the rename happens, never after.
type Receipts struct {
	c *gocache.Cache
}

// NewReceipts builds an empty receipt table with background expiry.
func NewReceipts() *Receipts {
	return &Receipts{c: gocache.New(receiptTTL, receiptTTL)}
}

// Add registers the hash the daemon expects path to contain after its
// pending write lands.
func (r *Receipts) Add(path, contentHash string) {
	r.c.Set(path, contentHash, gocache.DefaultExpiration)
}

// Match reports whether an outstanding receipt for path carries exactly
// this hash. Receipts are not consumed on match: a single rename can
// produce several notifications.
func (r *Receipts) Match(path, contentHash string) bool {
	v, ok := r.c.Get(path)
	if !ok {
		return false
	}
	return v.(string) == contentHash
}

// HashContent returns the canonical content hash used across receipts
// and the hash cache.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
