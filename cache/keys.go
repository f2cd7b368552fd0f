package cache

import (
	"strconv"
	"strings"
)

// DefaultKeyPrefix is prepended to every key the remote stores write.
const DefaultKeyPrefix = "rawr:"

// keyspace lays out the remote keys of one namespace:
//
//	<prefix><len(ns)>:<ns>:d:<key>                  primary entry
//	<prefix><len(ns)>:<ns>:i:<slot>:<indexKey>      index set
//
// The length prefix makes the namespace part self-delimiting, so the key
// prefix of one namespace is never a prefix of another namespace's keys.
type keyspace struct {
	base string
}

func newKeyspace(prefix, namespace string) keyspace {
	return keyspace{base: prefix + strconv.Itoa(len(namespace)) + ":" + namespace + ":"}
}

func (k keyspace) data(key string) string {
	return k.base + "d:" + key
}

func (k keyspace) index(slot int, indexKey string) string {
	return k.base + "i:" + strconv.Itoa(slot) + ":" + indexKey
}

func (k keyspace) dataPattern() string {
	return escapeGlob(k.base) + "d:*"
}

func (k keyspace) indexPattern() string {
	return escapeGlob(k.base) + "i:*"
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\^`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func slotKey(slot int, indexKey string) string {
	return strconv.Itoa(slot) + ":" + indexKey
}
