package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
)

func newTestSnapshot() *model.TallySnapshot {
	return &model.TallySnapshot{
		ID:       "poll-1",
		Question: "最喜欢的语言？",
		Options: []model.OptionView{
			{ID: "opt-a", Text: "Go", Count: 3},
			{ID: "opt-b", Text: "Rust", Count: 1},
		},
		ExpiresAt:  time.Now().Add(time.Hour).Truncate(time.Second),
		IsActive:   true,
		TotalVotes: 4,
		CreatedAt:  time.Now().Truncate(time.Second),
	}
}

func TestTallyCacheGetHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewTallyCache(repository.NewRedisRepositoryWithClient(client), 30*time.Second)

	snapshot := newTestSnapshot()
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	mock.ExpectGet(repository.TallyCacheKey + "poll-1").SetVal(string(data))

	got, found := cache.Get(context.Background(), "poll-1")
	require.True(t, found)
	assert.Equal(t, snapshot.ID, got.ID)
	assert.Equal(t, snapshot.TotalVotes, got.TotalVotes)
	assert.Len(t, got.Options, 2)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTallyCacheGetMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewTallyCache(repository.NewRedisRepositoryWithClient(client), 30*time.Second)

	mock.ExpectGet(repository.TallyCacheKey + "poll-1").RedisNil()

	got, found := cache.Get(context.Background(), "poll-1")
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestTallyCacheGetSwallowsBackendError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewTallyCache(repository.NewRedisRepositoryWithClient(client), 30*time.Second)

	mock.ExpectGet(repository.TallyCacheKey + "poll-1").SetErr(errors.New("连接超时"))

	// 后端失败按未命中处理，由调用方退回权威存储
	got, found := cache.Get(context.Background(), "poll-1")
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestTallyCachePut(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewTallyCache(repository.NewRedisRepositoryWithClient(client), 30*time.Second)

	snapshot := newTestSnapshot()
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	mock.ExpectSet(repository.TallyCacheKey+"poll-1", data, 30*time.Second).SetVal("OK")

	cache.Put(context.Background(), snapshot)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTallyCacheInvalidate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewTallyCache(repository.NewRedisRepositoryWithClient(client), 30*time.Second)

	mock.ExpectDel(repository.TallyCacheKey + "poll-1").SetVal(1)

	cache.Invalidate(context.Background(), "poll-1")

	assert.NoError(t, mock.ExpectationsWereMet())
}
