package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"n":%d}`, *calls)
	})
}

func post(h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		r.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestIdempotency_ReplaysSameBody(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.Default())(countingHandler(&calls, http.StatusAccepted))

	first := post(h, "/bridge", "k1", `{"amount":"1"}`)
	second := post(h, "/bridge", "k1", `{"amount":"1"}`)

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestIdempotency_BodyMismatchConflicts(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.Default())(countingHandler(&calls, http.StatusOK))

	post(h, "/bridge", "k1", `{"amount":"1"}`)
	w := post(h, "/bridge", "k1", `{"amount":"2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_ScopedByPath(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.Default())(countingHandler(&calls, http.StatusOK))

	post(h, "/bridge", "k1", `{}`)
	post(h, "/settle", "k1", `{}`)
	assert.Equal(t, 2, calls)
}

func TestIdempotency_SkipsErrorsAndKeyless(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.Default())(countingHandler(&calls, http.StatusBadRequest))

	post(h, "/bridge", "k1", `{}`)
	post(h, "/bridge", "k1", `{}`)
	assert.Equal(t, 2, calls, "non-2xx responses are not cached")

	calls = 0
	ok := Idempotency(NewMemoryIdempotencyStore(time.Hour), slog.Default())(countingHandler(&calls, http.StatusOK))
	post(ok, "/bridge", "", `{}`)
	post(ok, "/bridge", "", `{}`)
	assert.Equal(t, 2, calls)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryIdempotencyStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", CachedResponse{StatusCode: 200, Body: []byte("x")}))
	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got.Body)

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisIdempotencyStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	s := NewRedisIdempotencyStore(client, time.Minute)
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, key, CachedResponse{StatusCode: 202, BodyHash: "h", Body: []byte(`{}`)}))
	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 202, got.StatusCode)
	assert.Equal(t, "h", got.BodyHash)
	_ = client.Del(ctx, s.prefix+key).Err()
}
