package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/seller_ledger/internal/logging"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "seller-ledger:idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	replayedHeader       = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	cacheOpTimeout        = 2 * time.Second
)

var errKeyInFlight = errors.New("idempotency key in flight")

// IdempotencyConfig controls how the middleware treats requests.
type IdempotencyConfig struct {
	TTL time.Duration
	// Required rejects unsafe requests that carry no Idempotency-Key.
	Required bool
}

// replay is a response recorded under an idempotency key. Fingerprint ties the key
// to the request body it was first used with.
type replay struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

// replayStore keeps recorded responses in Redis. Each operation runs under its own
// cacheOpTimeout deadline.
type replayStore struct {
	cache *redis.Client
	ttl   time.Duration
}

func (s replayStore) op() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cacheOpTimeout)
}

// lookup returns the recorded replay, nil when the key is unused, or errKeyInFlight.
func (s replayStore) lookup(key string) (*replay, error) {
	ctx, cancel := s.op()
	defer cancel()

	raw, err := s.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == inProgressMarker {
		return nil, errKeyInFlight
	}
	var r replay
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// reserve claims key; false means another request claimed it first.
func (s replayStore) reserve(key string) (bool, error) {
	ctx, cancel := s.op()
	defer cancel()
	return s.cache.SetNX(ctx, key, inProgressMarker, s.ttl).Result()
}

func (s replayStore) save(key string, r replay) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := s.op()
	defer cancel()
	return s.cache.Set(ctx, key, payload, s.ttl).Err()
}

func (s replayStore) release(key string) {
	ctx, cancel := s.op()
	defer cancel()
	s.cache.Del(ctx, key)
}

func fingerprint(c *fiber.Ctx) string {
	sum := sha256.Sum256(append([]byte(c.Method()+" "+c.Path()+"\n"), c.Body()...))
	return hex.EncodeToString(sum[:])
}

// Idempotency replays the recorded response for a repeated Idempotency-Key on
// unsafe methods. Keys are scoped to the request path, so one key cannot replay a
// response for another seller or endpoint; reusing a key with a different body is
// rejected with 422. Server errors are not recorded and may be retried.
func Idempotency(cache *redis.Client, cfg IdempotencyConfig, logger *slog.Logger) fiber.Handler {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	store := replayStore{cache: cache, ttl: ttl}
	logger = logging.Component(logger, "idempotency")

	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			if cfg.Required {
				return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
			}
			return c.Next()
		}
		cacheKey := idempotencyPrefix + c.Path() + ":" + key
		fp := fingerprint(c)

		recorded, err := store.lookup(cacheKey)
		switch {
		case errors.Is(err, errKeyInFlight):
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		case err != nil:
			logger.Error("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		case recorded != nil:
			if recorded.Fingerprint != "" && recorded.Fingerprint != fp {
				return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
			}
			for header, value := range recorded.Headers {
				if strings.EqualFold(header, fiber.HeaderContentLength) {
					continue
				}
				c.Set(header, value)
			}
			c.Set(replayedHeader, "true")
			return c.Status(recorded.Status).SendString(recorded.Body)
		}

		claimed, err := store.reserve(cacheKey)
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !claimed {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			store.release(cacheKey)
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			store.release(cacheKey)
			return nil
		}

		r := replay{
			Fingerprint: fp,
			Status:      status,
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			r.Headers[string(k)] = string(v)
		})

		if err := store.save(cacheKey, r); err != nil {
			logger.Error("failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
			store.release(cacheKey)
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
		}
		return nil
	}
}
