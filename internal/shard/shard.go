// Package shard maps keys onto a fixed number of shards.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Index returns the shard for key in [0, numShards).
// With numShards<=1, every key goes to shard 0.
func Index(key string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numShards))
}

// Label renders the shard of key as two hex digits for logs.
func Label(key string, numShards int) string {
	return fmt.Sprintf("%02x", Index(key, numShards))
}
