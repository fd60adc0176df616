package welfarekit

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewApplicationID returns a lexicographically sortable identifier for an application.
func NewApplicationID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ApplicationNumber derives the human readable number "WA-YYYYMMDD-XXXXXX"
// from the submission date and the tail of the application id.
func ApplicationNumber(id string, t time.Time) string {
	tail := id
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return "WA-" + t.UTC().Format("20060102") + "-" + strings.ToUpper(tail)
}

func newRecordID() string {
	return uuid.NewString()
}

// NewRequestID returns a fresh idempotency key for callers that do not supply their own.
func NewRequestID() string {
	return uuid.NewString()
}
