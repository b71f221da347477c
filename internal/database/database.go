// Package database is the example state machine: a string key/value store
// the cluster replicates. Commands are the replicated values themselves,
// in the form "key<-value"; an empty right-hand side deletes the key.
package database

import (
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/rs/zerolog/log"
)

const assignToken = "<-"

// Database applies committed commands to an immutable radix tree. The tree
// gives cheap point reads and ordered prefix scans; writes swap the root
// under a short lock.
type Database struct {
	mu   sync.RWMutex
	tree *iradix.Tree
}

// NewDatabase returns an empty store.
func NewDatabase() *Database {
	return &Database{tree: iradix.New()}
}

// HandleValue applies one committed command. The driver calls it in commit
// order, at most once per command, so application stays deterministic
// across the cluster. A command without the assignment token cannot have
// come from the bundled client; it is logged and ignored, which is equally
// deterministic everywhere.
func (d *Database) HandleValue(value string) {
	at := strings.Index(value, assignToken)
	if at < 0 || at == 0 {
		log.Warn().Str("value", value).Msg("Ignoring malformed command")
		return
	}
	key := value[:at]
	payload := value[at+len(assignToken):]

	d.mu.Lock()
	defer d.mu.Unlock()
	if payload == "" {
		d.tree, _, _ = d.tree.Delete([]byte(key))
		log.Debug().Str("key", key).Msg("Db delete")
	} else {
		d.tree, _, _ = d.tree.Insert([]byte(key), payload)
		log.Debug().Str("key", key).Str("value", payload).Msg("Db set")
	}
}

// Get returns the value stored under key.
func (d *Database) Get(key string) (string, bool) {
	d.mu.RLock()
	tree := d.tree
	d.mu.RUnlock()

	value, ok := tree.Get([]byte(key))
	if !ok {
		return "", false
	}
	return value.(string), true
}

// SearchPrefix returns every key/value pair whose key starts with prefix,
// as a map keyed by key.
func (d *Database) SearchPrefix(prefix string) map[string]string {
	d.mu.RLock()
	tree := d.tree
	d.mu.RUnlock()

	results := make(map[string]string)
	tree.Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		results[string(k)] = v.(string)
		return false
	})
	return results
}
