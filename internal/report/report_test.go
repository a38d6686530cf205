package report

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to the Redis named by BANSYNC_TEST_REDIS_ADDR
// (default localhost:6379) and removes test keys before and after the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BANSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{CachePrefix + "test_*", RuleAlert.Key + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return client
}

// countingStore records how often it is asked.
type countingStore struct {
	*MemoryStore
	calls [][]string
}

func (c *countingStore) ReportedPlayers(ctx context.Context, ids []string) ([]string, error) {
	c.calls = append(c.calls, ids)
	return c.MemoryStore.ReportedPlayers(ctx, ids)
}

func TestMemoryStoreKeepsInputOrder(t *testing.T) {
	s := NewMemoryStore("b", "a")
	got, err := s.ReportedPlayers(context.Background(), []string{"a", "c", "b", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	next := &countingStore{MemoryStore: NewMemoryStore("a")}
	c := NewCache(nil, next, time.Minute, nil)

	for i := 0; i < 2; i++ {
		got, err := c.ReportedPlayers(context.Background(), []string{"a", "b"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(got, []string{"a"}) {
			t.Errorf("got %v, want [a]", got)
		}
	}
	if len(next.calls) != 2 {
		t.Errorf("expected 2 lookups, got %d", len(next.calls))
	}
}

func TestCacheRemembersAnswers(t *testing.T) {
	client := newTestRedis(t)
	next := &countingStore{MemoryStore: NewMemoryStore("test_a")}
	c := NewCache(client, next, time.Minute, nil)
	ctx := context.Background()

	got, err := c.ReportedPlayers(ctx, []string{"test_a", "test_b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"test_a"}) {
		t.Errorf("got %v, want [test_a]", got)
	}

	// Both answers, positive and negative, are served from Redis now.
	next.Add("test_b")
	got, err = c.ReportedPlayers(ctx, []string{"test_b", "test_a", "test_c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"test_a"}) {
		t.Errorf("got %v, want [test_a]", got)
	}
	if want := [][]string{{"test_a", "test_b"}, {"test_c"}}; !reflect.DeepEqual(next.calls, want) {
		t.Errorf("lookups %v, want %v", next.calls, want)
	}

	if err := c.Forget(ctx, "test_b"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	got, _ = c.ReportedPlayers(ctx, []string{"test_b"})
	if !reflect.DeepEqual(got, []string{"test_b"}) {
		t.Errorf("after forget got %v, want [test_b]", got)
	}

	ttl := client.TTL(ctx, CachePrefix+"test_a").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestThrottleAllowsOncePerWindow(t *testing.T) {
	client := newTestRedis(t)
	th := NewThrottle(client, RuleAlert, nil)
	ctx := context.Background()

	ok, err := th.Allow(ctx, "test_7:p1")
	if err != nil || !ok {
		t.Fatalf("first alert: ok=%v err=%v", ok, err)
	}
	ok, err = th.Allow(ctx, "test_7:p1")
	if err != nil || ok {
		t.Fatalf("second alert: ok=%v err=%v", ok, err)
	}
	ok, _ = th.Allow(ctx, "test_8:p1")
	if !ok {
		t.Error("other community should not be throttled")
	}

	ttl := client.TTL(ctx, RuleAlert.Key+"test_7:p1").Val()
	if ttl <= 0 || ttl > RuleAlert.Window {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestThrottleFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	ok, err := NewThrottle(client, RuleAlert, nil).Allow(context.Background(), "x")
	if err == nil {
		t.Fatal("expected redis error")
	}
	if !ok {
		t.Error("throttle must fail open")
	}
}
