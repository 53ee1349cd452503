// Package redis carries configuration records over Redis using the producer
// and consumer state-table protocol.
//
// A producer writes the desired content of an entry to the hash
// "<TABLE>:<key>", adds the key to "<TABLE>_KEY_SET" and publishes on
// "<TABLE>_CHANNEL", all in one transaction. A delete additionally adds the
// key to "<TABLE>_DEL_SET" and removes the hash. A consumer pops changed keys
// from the key set and emits a DEL record for keys found in the del set,
// followed by a SET record with the current hash content if the hash exists.
// Only the latest state of a key is delivered; intermediate values written
// between two pops are coalesced.
package redis

import (
	"strings"

	"github.com/openfroyo/isogrpd/pkg/engine"
)

const (
	keySetSuffix  = "_KEY_SET"
	delSetSuffix  = "_DEL_SET"
	channelSuffix = "_CHANNEL"

	// notifyPayload is published on the table channel after every change.
	notifyPayload = "G"
)

// Table names the Redis keys of one state table.
type Table string

// Name returns the table name.
func (t Table) Name() string { return string(t) }

// HashKey returns the key of the hash holding entry key.
func (t Table) HashKey(key string) string {
	return string(t) + engine.KeySeparator + key
}

// KeySet returns the key of the set of changed entries.
func (t Table) KeySet() string { return string(t) + keySetSuffix }

// DelSet returns the key of the set of deleted entries.
func (t Table) DelSet() string { return string(t) + delSetSuffix }

// Channel returns the notification channel.
func (t Table) Channel() string { return string(t) + channelSuffix }

// entryKey strips the table prefix from a hash key.
func (t Table) entryKey(hashKey string) (string, bool) {
	return strings.CutPrefix(hashKey, string(t)+engine.KeySeparator)
}
