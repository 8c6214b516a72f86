package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

// fakePollStore 内存版投票存储
type fakePollStore struct {
	polls    map[string]*model.Poll
	getCalls int
}

func newFakePollStore(polls ...*model.Poll) *fakePollStore {
	s := &fakePollStore{polls: make(map[string]*model.Poll)}
	for _, p := range polls {
		s.polls[p.ID] = p
	}
	return s
}

func (s *fakePollStore) CreatePoll(ctx context.Context, poll *model.Poll) error {
	s.polls[poll.ID] = poll
	return nil
}

func (s *fakePollStore) GetPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	s.getCalls++
	poll, ok := s.polls[pollID]
	if !ok {
		return nil, model.ErrPollNotFound
	}
	return poll, nil
}

func (s *fakePollStore) ListActivePolls(ctx context.Context) ([]*model.Poll, error) {
	var active []*model.Poll
	for _, p := range s.polls {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

// fakeTally 内存版快照缓存
type fakeTally struct {
	snapshots map[string]*model.TallySnapshot
	puts      int
}

func newFakeTally() *fakeTally {
	return &fakeTally{snapshots: make(map[string]*model.TallySnapshot)}
}

func (c *fakeTally) Get(ctx context.Context, pollID string) (*model.TallySnapshot, bool) {
	snapshot, ok := c.snapshots[pollID]
	return snapshot, ok
}

func (c *fakeTally) Put(ctx context.Context, snapshot *model.TallySnapshot) {
	c.puts++
	c.snapshots[snapshot.ID] = snapshot
}

// fakeVoter 记录投票请求
type fakeVoter struct {
	lastPollID   string
	lastUserID   string
	lastOptionID string
}

func (v *fakeVoter) CastVote(ctx context.Context, pollID, userID, optionID string) (*model.VoteResult, error) {
	v.lastPollID, v.lastUserID, v.lastOptionID = pollID, userID, optionID
	return &model.VoteResult{Outcome: model.OutcomeRecorded, PollID: pollID, OptionID: optionID}, nil
}

// fakeCloser 记录调度与关闭
type fakeCloser struct {
	scheduled []string
	closed    []string
}

func (c *fakeCloser) Schedule(poll *model.Poll) {
	c.scheduled = append(c.scheduled, poll.ID)
}

func (c *fakeCloser) ClosePoll(ctx context.Context, pollID string) error {
	c.closed = append(c.closed, pollID)
	return nil
}

func newTestService(store *fakePollStore, tally *fakeTally, closer *fakeCloser) *PollService {
	return NewPollService(store, tally, &fakeVoter{}, closer)
}

func TestCreatePoll(t *testing.T) {
	store := newFakePollStore()
	closer := &fakeCloser{}
	svc := newTestService(store, newFakeTally(), closer)

	snapshot, err := svc.CreatePoll(context.Background(),
		"最喜欢的语言？", []string{"Go", "Rust"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.NotEmpty(t, snapshot.ID)
	assert.True(t, snapshot.IsActive)
	assert.Len(t, snapshot.Options, 2)
	assert.Equal(t, 0, snapshot.TotalVotes)

	// 落库并注册了到期任务
	assert.Contains(t, store.polls, snapshot.ID)
	assert.Equal(t, []string{snapshot.ID}, closer.scheduled)
}

func TestCreatePollValidation(t *testing.T) {
	svc := newTestService(newFakePollStore(), newFakeTally(), &fakeCloser{})
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name      string
		question  string
		options   []string
		expiresAt time.Time
	}{
		{"空问题", "  ", []string{"Go", "Rust"}, future},
		{"选项不足", "问题", []string{"Go"}, future},
		{"空选项文本", "问题", []string{"Go", " "}, future},
		{"截止时间已过", "问题", []string{"Go", "Rust"}, time.Now().Add(-time.Minute)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePoll(context.Background(), tc.question, tc.options, tc.expiresAt)
			assert.ErrorIs(t, err, model.ErrInvalidPoll)
		})
	}
}

func TestGetPollCacheHitSkipsStore(t *testing.T) {
	store := newFakePollStore()
	tally := newFakeTally()
	tally.snapshots["poll-1"] = &model.TallySnapshot{ID: "poll-1", Question: "缓存的"}
	svc := newTestService(store, tally, &fakeCloser{})

	snapshot, err := svc.GetPoll(context.Background(), "poll-1")
	require.NoError(t, err)

	assert.Equal(t, "缓存的", snapshot.Question)
	assert.Equal(t, 0, store.getCalls, "缓存命中不应访问权威存储")
}

func TestGetPollCacheMissBackfills(t *testing.T) {
	poll := &model.Poll{
		ID:        "poll-1",
		Question:  "问题",
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
		Options:   []*model.Option{{ID: "opt-a", PollID: "poll-1", Text: "Go", Count: 2}},
	}
	store := newFakePollStore(poll)
	tally := newFakeTally()
	svc := newTestService(store, tally, &fakeCloser{})

	snapshot, err := svc.GetPoll(context.Background(), "poll-1")
	require.NoError(t, err)

	assert.Equal(t, 1, store.getCalls)
	assert.Equal(t, 1, tally.puts, "未命中应回填缓存")
	assert.Equal(t, 2, snapshot.Options[0].Count)
}

func TestGetPollExpiredReportsInactive(t *testing.T) {
	// 定时关闭尚未执行时，快照按截止时间推导出关闭状态
	poll := &model.Poll{
		ID:        "poll-1",
		Question:  "问题",
		ExpiresAt: time.Now().Add(-time.Minute),
		IsActive:  true,
	}
	svc := newTestService(newFakePollStore(poll), newFakeTally(), &fakeCloser{})

	snapshot, err := svc.GetPoll(context.Background(), "poll-1")
	require.NoError(t, err)
	assert.False(t, snapshot.IsActive)
}

func TestGetPollNotFound(t *testing.T) {
	svc := newTestService(newFakePollStore(), newFakeTally(), &fakeCloser{})

	_, err := svc.GetPoll(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrPollNotFound)
}

func TestCastVoteGuards(t *testing.T) {
	svc := newTestService(newFakePollStore(), newFakeTally(), &fakeCloser{})

	_, err := svc.CastVote(context.Background(), "poll-1", "", "opt-a")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)

	_, err = svc.CastVote(context.Background(), "poll-1", "user-1", "")
	assert.ErrorIs(t, err, model.ErrInvalidOption)
}

func TestCastVoteDelegatesToLedger(t *testing.T) {
	voter := &fakeVoter{}
	svc := NewPollService(newFakePollStore(), newFakeTally(), voter, &fakeCloser{})

	result, err := svc.CastVote(context.Background(), "poll-1", "user-1", "opt-a")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeRecorded, result.Outcome)
	assert.Equal(t, "poll-1", voter.lastPollID)
	assert.Equal(t, "user-1", voter.lastUserID)
	assert.Equal(t, "opt-a", voter.lastOptionID)
}

func TestClosePollNotFound(t *testing.T) {
	closer := &fakeCloser{}
	svc := newTestService(newFakePollStore(), newFakeTally(), closer)

	err := svc.ClosePoll(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrPollNotFound)
	assert.Empty(t, closer.closed)
}

func TestClosePollDelegates(t *testing.T) {
	poll := &model.Poll{ID: "poll-1", ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	closer := &fakeCloser{}
	svc := newTestService(newFakePollStore(poll), newFakeTally(), closer)

	require.NoError(t, svc.ClosePoll(context.Background(), "poll-1"))
	assert.Equal(t, []string{"poll-1"}, closer.closed)
}
