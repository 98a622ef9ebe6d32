package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestHubPublish(t *testing.T) {
	hub := NewHub(nil, nil)
	client := hub.Register("user-1")
	defer hub.Unregister(client)

	hub.Publish("user-1", []byte("hello"))

	select {
	case msg := <-client.Send:
		if string(msg) != "hello" {
			t.Fatalf("unexpected message")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}
}

func TestHubKeepsOnlyLatest(t *testing.T) {
	hub := NewHub(nil, nil)
	client := hub.Register("user-1")
	defer hub.Unregister(client)

	for _, p := range []string{"one", "two", "three"} {
		hub.Publish("user-1", []byte(p))
	}
	if msg := <-client.Send; string(msg) != "three" {
		t.Fatalf("expected newest snapshot, got %s", msg)
	}
	select {
	case msg := <-client.Send:
		t.Fatalf("expected no backlog, got %s", msg)
	default:
	}
}

func TestHubRegisterDeliversLatest(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Publish("user-1", []byte("last"))

	client := hub.Register("user-1")
	defer hub.Unregister(client)
	select {
	case msg := <-client.Send:
		if string(msg) != "last" {
			t.Fatalf("unexpected message")
		}
	default:
		t.Fatalf("expected cached snapshot on register")
	}

	other := hub.Register("user-2")
	defer hub.Unregister(other)
	select {
	case <-other.Send:
		t.Fatalf("unexpected snapshot for another user")
	default:
	}
}

func TestHubHelpers(t *testing.T) {
	ch := redisChannel("abc")
	if ch == "" {
		t.Fatalf("expected channel")
	}
	if userIDFromChannel(ch) != "abc" {
		t.Fatalf("unexpected user id")
	}
	if userIDFromChannel("bad") != "" || userIDFromChannel("other:abc:broadcast") != "" {
		t.Fatalf("expected empty user id")
	}
	if latestKey("abc") != "tracking:abc:latest" {
		t.Fatalf("unexpected latest key")
	}
}

func TestUnregisterCloses(t *testing.T) {
	hub := NewHub(nil, nil)
	client := hub.Register("user-2")
	hub.Unregister(client)
	hub.Unregister(client)
	_, ok := <-client.Send
	if ok {
		t.Fatalf("expected channel closed")
	}
	if hub.Listeners("user-2") != 0 {
		t.Fatalf("expected no listeners")
	}
}

func TestHubRedisFanOut(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	hubA := NewHub(rdbA, nil)
	hubB := NewHub(rdbB, nil)
	defer hubA.Close()
	defer hubB.Close()

	local := hubA.Register("user-redis")
	defer hubA.Unregister(local)
	remote := hubB.Register("user-redis")
	defer hubB.Unregister(remote)

	// let both pattern subscriptions settle
	time.Sleep(50 * time.Millisecond)
	hubA.Publish("user-redis", []byte("ping"))

	select {
	case msg := <-local.Send:
		if string(msg) != "ping" {
			t.Fatalf("unexpected local message")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for local delivery")
	}

	select {
	case msg := <-remote.Send:
		if string(msg) != "ping" {
			t.Fatalf("unexpected remote message %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for redis fan-out")
	}

	select {
	case msg := <-local.Send:
		t.Fatalf("publisher should skip its own echo, got %s", msg)
	case <-time.After(100 * time.Millisecond):
	}

	got, err := rdbA.Get(context.Background(), latestKey("user-redis")).Result()
	if err != nil || got != "ping" {
		t.Fatalf("expected latest snapshot cached in redis, got %q %v", got, err)
	}
}

func TestHubRegisterReadsRedisLatest(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	if err := s.Set(latestKey("user-late"), "cached"); err != nil {
		t.Fatalf("seed redis: %v", err)
	}

	hub := NewHub(client, nil)
	defer hub.Close()
	ws := hub.Register("user-late")
	defer hub.Unregister(ws)

	select {
	case msg := <-ws.Send:
		if string(msg) != "cached" {
			t.Fatalf("unexpected cached message")
		}
	default:
		t.Fatalf("expected snapshot from redis on register")
	}
}

func TestHubRedisPublishError(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	server.Close()
	defer client.Close()

	hub := NewHub(client, nil)
	defer hub.Close()
	node := hub.Register("user-bad")
	defer hub.Unregister(node)

	hub.Publish("user-bad", []byte("ping"))
	select {
	case msg := <-node.Send:
		if string(msg) != "ping" {
			t.Fatalf("unexpected message")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("local delivery must not depend on redis")
	}
}
