//go:build integration || e2e

package testutil

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
)

// SeedStore loads a JSON seed file into the test store's single flat
// keyspace. The JSON format is a plain object mapping key to value:
// { "/config/nodes/gs0": "{...node json...}", ... }
func SeedStore(t *testing.T, addr string, seedFile string) {
	t.Helper()

	data, err := os.ReadFile(seedFile)
	if err != nil {
		t.Fatalf("reading seed file %s: %v", seedFile, err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("parsing seed file %s: %v", seedFile, err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	for key, value := range entries {
		if err := client.Set(ctx, key, value, 0).Err(); err != nil {
			t.Fatalf("seeding %s: %v", key, err)
		}
	}
}

// FlushStore flushes the test store's database.
func FlushStore(t *testing.T, addr string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing store: %v", err)
	}
}

// SetupTopology flushes the store and seeds it with topology.json — the
// canonical nodes/links/workers fixture used across compiler and agent
// tests.
func SetupTopology(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	FlushStore(t, addr)
	SeedStore(t, addr, SeedPath("topology.json"))
}

// WriteKey writes a single key to the test store.
func WriteKey(t *testing.T, addr, key, value string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Set(context.Background(), key, value, 0).Err(); err != nil {
		t.Fatalf("writing %s: %v", key, err)
	}
}

// DeleteKey removes a key from the test store.
func DeleteKey(t *testing.T, addr, key string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Del(context.Background(), key).Err(); err != nil {
		t.Fatalf("deleting %s: %v", key, err)
	}
}

// ReadKey reads a single key's value from the test store. Returns "" if
// the key does not exist.
func ReadKey(t *testing.T, addr, key string) string {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	val, err := client.Get(context.Background(), key).Result()
	if err != nil {
		if err == redis.Nil {
			return ""
		}
		t.Fatalf("reading %s: %v", key, err)
	}
	return val
}

// KeyExists checks if a key exists in the test store.
func KeyExists(t *testing.T, addr, key string) bool {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	n, err := client.Exists(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("checking existence of %s: %v", key, err)
	}
	return n > 0
}

// ScanPrefix returns all keys in the test store beginning with prefix.
func ScanPrefix(t *testing.T, addr, prefix string) []string {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	var keys []string
	ctx := context.Background()
	iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("scanning prefix %s: %v", prefix, err)
	}
	return keys
}
