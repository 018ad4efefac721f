// Package keys implements the key and index naming scheme for published
// records. Keys are collision-resistant: every generated key carries a short
// random suffix so a retried write after a reconnect never reuses an earlier
// attempt's key, even for the same natural identifier.
package keys

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	// Prefix namespaces every record key written by the relay.
	Prefix = "transaction_data:"
	// Index is the well-known set that enumerates live record keys.
	Index = "transaction_index"
	// Stream is the optional log-style stream for secondary consumers.
	Stream = "transaction_stream"
	// AccountStateType tags account-state snapshot records.
	AccountStateType = "account_state"

	suffixLen = 8
)

// ForRecord builds a fresh key for a record of the given type and natural
// identifier. Each call yields a distinct key.
func ForRecord(recordType, naturalID string) string {
	var b strings.Builder
	b.Grow(len(Prefix) + len(recordType) + len(naturalID) + suffixLen + 2)
	b.WriteString(Prefix)
	b.WriteString(recordType)
	b.WriteByte(':')
	b.WriteString(naturalID)
	b.WriteByte(':')
	b.WriteString(randomSuffix())
	return b.String()
}

// ForAccountState builds a fresh key for an account-state snapshot.
func ForAccountState(accountID string) string {
	return ForRecord(AccountStateType, accountID)
}

// Parts holds the decoded components of a record key.
type Parts struct {
	Type      string
	NaturalID string
	Suffix    string
}

// Parse splits a record key into its components. It returns false for keys
// outside the relay's namespace or with an unexpected shape.
func Parse(key string) (Parts, bool) {
	rest, ok := strings.CutPrefix(key, Prefix)
	if !ok {
		return Parts{}, false
	}
	segs := strings.Split(rest, ":")
	if len(segs) != 3 || len(segs[2]) != suffixLen {
		return Parts{}, false
	}
	return Parts{Type: segs[0], NaturalID: segs[1], Suffix: segs[2]}, true
}

func randomSuffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:suffixLen]
}
