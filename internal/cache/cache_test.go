package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setup(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, nil), mr
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("Breaking news: scientists find cure", "")
	b := Key("Breaking news: scientists find cure", "")
	if a != b {
		t.Errorf("expected stable key, got %s and %s", a, b)
	}
	if !strings.HasPrefix(a, KeyPrefix) {
		t.Errorf("expected %q prefix, got %s", KeyPrefix, a)
	}
	if len(a) != len(KeyPrefix)+64 {
		t.Errorf("expected sha256 hex digest, got %s", a)
	}
}

func TestKey_DistinctInputs(t *testing.T) {
	keys := map[string]string{
		"plain":    Key("hello", ""),
		"trailing": Key("hello ", ""),
		"case":     Key("Hello", ""),
		"url":      Key("hello", "https://example.com/a"),
		"other":    Key("hello", "https://example.com/b"),
	}
	seen := make(map[string]string)
	for name, k := range keys {
		if other, ok := seen[k]; ok {
			t.Errorf("%s and %s collide", name, other)
		}
		seen[k] = name
	}
}

func TestKey_URLIdentifiesInput(t *testing.T) {
	if Key("hello", "https://example.com/a") != Key("", "https://example.com/a") {
		t.Error("expected URL to identify the input regardless of text")
	}
}

func TestKey_TextPrefixNotConfusedWithURL(t *testing.T) {
	// "text:" + "url:x" must not equal "url:" + "x".
	if Key("url:x", "") == Key("", "x") {
		t.Error("expected distinct keys")
	}
}

func TestGetSet(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "analysis:missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	s.Set(ctx, "analysis:k", []byte(`{"is_fake":true}`), time.Hour)

	got, ok := s.Get(ctx, "analysis:k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `{"is_fake":true}` {
		t.Errorf("unexpected payload %s", got)
	}
	if ttl := mr.TTL("analysis:k"); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}

	mr.FastForward(time.Hour)
	if _, ok := s.Get(ctx, "analysis:k"); ok {
		t.Error("expected entry to expire")
	}
}

func TestFailOpen(t *testing.T) {
	s, mr := setup(t)
	mr.Close()
	ctx := context.Background()

	s.Set(ctx, "analysis:k", []byte("x"), time.Hour)
	if _, ok := s.Get(ctx, "analysis:k"); ok {
		t.Error("expected miss when redis is down")
	}
	if _, _, err := s.Claim(ctx, "analysis:k", time.Second); err == nil {
		t.Error("expected claim to report the outage")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("expected ping to fail")
	}
}

func TestClaimRelease(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	token, ok, err := s.Claim(ctx, "analysis:k", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("inflight:analysis:k"); ttl != 10*time.Second {
		t.Errorf("expected marker ttl 10s, got %v", ttl)
	}

	if _, ok, _ := s.Claim(ctx, "analysis:k", 10*time.Second); ok {
		t.Fatal("expected second claim to fail while marker is held")
	}

	// A stale token must not remove someone else's marker.
	if err := s.Release(ctx, "analysis:k", "not-the-owner"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("inflight:analysis:k") {
		t.Fatal("expected marker to survive a foreign release")
	}

	if err := s.Release(ctx, "analysis:k", token); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("inflight:analysis:k") {
		t.Fatal("expected marker to be released")
	}

	if _, ok, _ := s.Claim(ctx, "analysis:k", 10*time.Second); !ok {
		t.Error("expected claim after release to succeed")
	}
}

func TestClaim_MarkerExpires(t *testing.T) {
	s, mr := setup(t)
	ctx := context.Background()

	s.Claim(ctx, "analysis:k", time.Second)
	mr.FastForward(time.Second)

	if _, ok, _ := s.Claim(ctx, "analysis:k", time.Second); !ok {
		t.Error("expected claim to succeed after the marker expired")
	}
}
