package ledger

import "time"

// MaxIdempotencyKeyLen bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLen = 200

// IdempotencyRecord stores the response produced for a keyed request so
// an identical retry replays it byte for byte. RequestHash fingerprints
// method|path|body; a differing hash under the same key is a protocol
// violation, not a replay.
type IdempotencyRecord struct {
    Key            string
    RequestHash    string
    ResponseStatus int
    ResponseBody   []byte
    CreatedAt      time.Time
    ExpiresAt      time.Time
}

// Expired reports whether the record is past its TTL at now. Expired
// records are treated as misses.
func (r IdempotencyRecord) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }
