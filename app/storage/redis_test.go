package storage

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisKeyCacheParse(t *testing.T) {
	r := NewRedisKeyCache(nil, "literal:AA:BB", zaptest.NewLogger(t))
	if r.key != "meshcore:channel_keys:AA_BB" {
		t.Fatalf("key = %s", r.key)
	}
	got := r.parse(map[string]string{"0": "aa", "3": "bb", "x": "cc", "-1": "dd"})
	if len(got) != 2 || got[0] != "aa" || got[3] != "bb" {
		t.Fatalf("parse = %v", got)
	}
}

// Runs against a real server when MESHCORE_GW_TEST_REDIS is set, e.g.
// MESHCORE_GW_TEST_REDIS=localhost:6379.
func TestRedisKeyCacheLive(t *testing.T) {
	addr := os.Getenv("MESHCORE_GW_TEST_REDIS")
	if addr == "" {
		t.Skip("MESHCORE_GW_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	r := NewRedisKeyCache(rdb, "test-"+t.Name(), zaptest.NewLogger(t))
	if err := r.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	defer rdb.Del(ctx, r.key)

	if err := r.SetChannelKey(ctx, 2, "00112233445566778899aabbccddeeff"); err != nil {
		t.Fatal(err)
	}
	keys, err := r.ChannelKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if keys[2] != "00112233445566778899aabbccddeeff" {
		t.Fatalf("keys = %v", keys)
	}
}
