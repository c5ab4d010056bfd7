// Package ids generates the opaque identifier tokens used throughout
// planter: CellId, JobId, SessionId, RequestId, and the worker handshake
// token.  IDs are rendered as short ASCII strings backed by a UUIDv4, same
// as the google/uuid-based ID generation in the rest of the retrieved
// dependency pack (github.com/cuemby/warren, github.com/SnellerInc/sneller).
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// CellId, JobId, SessionId and RequestId are opaque, globally unique within
// a daemon lifetime (RequestId is client-scoped).
type (
	CellId    string
	JobId     string
	SessionId string
	RequestId string
)

var shortEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newToken renders a UUIDv4 as a short, lowercase, ASCII-safe token.
func newToken(prefix string) string {
	u := uuid.New()
	enc := strings.ToLower(shortEncoding.EncodeToString(u[:]))
	return prefix + "-" + enc
}

// NewCellId returns a fresh, unique cell identifier.
func NewCellId() CellId { return CellId(newToken("cell")) }

// NewJobId returns a fresh, unique job identifier.
func NewJobId() JobId { return JobId(newToken("job")) }

// NewSessionId returns a fresh, unique PTY session identifier.
func NewSessionId() SessionId { return SessionId(newToken("sess")) }

// NewRequestId returns a client-scoped request identifier.
func NewRequestId() RequestId { return RequestId(newToken("req")) }

// NewAuthToken returns a fresh random authentication token of at least 128
// bits of entropy, used for the worker handshake.
func NewAuthToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(shortEncoding.EncodeToString(buf)), nil
}
