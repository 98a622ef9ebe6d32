package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"backend-activpal/internal/shared/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	latestTTL   = time.Hour
	outboxSize  = 64
	redisFanout = "tracking:*:broadcast"
)

// Hub fans snapshots out to WebSocket listeners. Each listener holds only
// the newest payload; a slow listener misses intermediate snapshots.
type Hub struct {
	redis  *redis.Client
	origin string
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	latest  map[string][]byte

	outbox chan outgoing
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type Client struct {
	UserID string
	Send   chan []byte
}

type outgoing struct {
	userID  string
	payload []byte
}

func NewHub(redisClient *redis.Client, log *slog.Logger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	h := &Hub{
		redis:   redisClient,
		origin:  uuid.NewString(),
		log:     log.With("component", "stream"),
		clients: map[string]map[*Client]struct{}{},
		latest:  map[string][]byte{},
	}

	if redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.outbox = make(chan outgoing, outboxSize)
		h.wg.Add(2)
		go h.forwardRedis(ctx)
		go h.subscribeRedis(ctx)
	}
	return h
}

// Register attaches a listener and immediately hands it the last known
// snapshot, if any.
func (h *Hub) Register(userID string) *Client {
	client := &Client{
		UserID: userID,
		Send:   make(chan []byte, 1),
	}

	latest, ok := h.Latest(userID)
	if !ok {
		latest, ok = h.redisLatest(userID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	if ok {
		offer(client, latest)
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[client.UserID]; ok {
		if _, registered := userClients[client]; !registered {
			return
		}
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.clients, client.UserID)
		}
		close(client.Send)
	}
}

// Publish never blocks: local listeners get the payload in place of any
// unread one, and the Redis fan-out is dropped when its queue is full.
func (h *Hub) Publish(userID string, payload []byte) {
	h.deliver(userID, payload)

	if h.outbox == nil {
		return
	}
	select {
	case h.outbox <- outgoing{userID: userID, payload: payload}:
	default:
		h.log.Warn("redis fan-out queue full, snapshot dropped", "user_id", userID)
	}
}

func (h *Hub) Latest(userID string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	payload, ok := h.latest[userID]
	return payload, ok
}

func (h *Hub) Listeners(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Close() {
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
			h.wg.Wait()
		}
	})
}

func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[userID] = payload
	for client := range h.clients[userID] {
		offer(client, payload)
	}
}

// offer replaces whatever the client has not read yet.
func offer(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
		return
	default:
	}
	select {
	case <-client.Send:
	default:
	}
	select {
	case client.Send <- payload:
	default:
	}
}

func (h *Hub) forwardRedis(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbox:
			h.publishRedis(ctx, msg)
		}
	}
}

func (h *Hub) publishRedis(ctx context.Context, msg outgoing) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := h.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, redisChannel(msg.userID), h.origin+"|"+string(msg.payload))
		pipe.Set(ctx, latestKey(msg.userID), msg.payload, latestTTL)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Error("redis publish error", "user_id", msg.userID, "error", err)
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer h.wg.Done()
	pubsub := h.redis.PSubscribe(ctx, redisFanout)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			origin, payload, found := strings.Cut(msg.Payload, "|")
			if !found || origin == h.origin {
				continue
			}
			userID := userIDFromChannel(msg.Channel)
			if userID == "" {
				continue
			}
			h.deliver(userID, []byte(payload))
		}
	}
}

func (h *Hub) redisLatest(userID string) ([]byte, bool) {
	if h.redis == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := h.redis.Get(ctx, latestKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			h.log.Warn("redis latest snapshot lookup failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	return payload, true
}

func redisChannel(userID string) string {
	return "tracking:" + userID + ":broadcast"
}

func latestKey(userID string) string {
	return "tracking:" + userID + ":latest"
}

func userIDFromChannel(ch string) string {
	// tracking:{user}:broadcast
	const prefix = "tracking:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) || !strings.HasPrefix(ch, prefix) || !strings.HasSuffix(ch, suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
