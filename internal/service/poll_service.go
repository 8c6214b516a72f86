package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

// PollStore 投票记录的权威存储协作方
type PollStore interface {
	CreatePoll(ctx context.Context, poll *model.Poll) error
	GetPoll(ctx context.Context, pollID string) (*model.Poll, error)
	ListActivePolls(ctx context.Context) ([]*model.Poll, error)
}

// Tally 计票快照缓存协作方
type Tally interface {
	Get(ctx context.Context, pollID string) (*model.TallySnapshot, bool)
	Put(ctx context.Context, snapshot *model.TallySnapshot)
}

// Voter 投票账本协作方
type Voter interface {
	CastVote(ctx context.Context, pollID, userID, optionID string) (*model.VoteResult, error)
}

// Closer 到期调度协作方
type Closer interface {
	Schedule(poll *model.Poll)
	ClosePoll(ctx context.Context, pollID string) error
}

// PollService 投票服务，编排创建、读取、投票与关闭
type PollService struct {
	store  PollStore
	tally  Tally
	ledger Voter
	closer Closer
}

func NewPollService(store PollStore, tally Tally, ledger Voter, closer Closer) *PollService {
	return &PollService{
		store:  store,
		tally:  tally,
		ledger: ledger,
		closer: closer,
	}
}

// CreatePoll 创建投票。问题非空、选项至少两个、截止时间必须在未来
func (s *PollService) CreatePoll(ctx context.Context, question string, options []string, expiresAt time.Time) (*model.TallySnapshot, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: 问题不能为空", model.ErrInvalidPoll)
	}
	if len(options) < 2 {
		return nil, fmt.Errorf("%w: 至少需要两个选项", model.ErrInvalidPoll)
	}
	if !expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: 截止时间必须在未来", model.ErrInvalidPoll)
	}

	poll := &model.Poll{
		ID:        uuid.NewString(),
		Question:  question,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	for _, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("%w: 选项文本不能为空", model.ErrInvalidPoll)
		}
		poll.Options = append(poll.Options, &model.Option{
			ID:     uuid.NewString(),
			PollID: poll.ID,
			Text:   text,
		})
	}

	if err := s.store.CreatePoll(ctx, poll); err != nil {
		return nil, err
	}

	if s.closer != nil {
		s.closer.Schedule(poll)
	}

	return poll.ToPublic(), nil
}

// GetPoll 读取计票快照，缓存优先，未命中时回源并回填
func (s *PollService) GetPoll(ctx context.Context, pollID string) (*model.TallySnapshot, error) {
	if s.tally != nil {
		if snapshot, found := s.tally.Get(ctx, pollID); found {
			return snapshot, nil
		}
	}

	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	snapshot := poll.ToPublic()
	if s.tally != nil {
		s.tally.Put(ctx, snapshot)
	}

	return snapshot, nil
}

// ActivePolls 读取所有活跃投票的快照（GraphQL查询使用）
func (s *PollService) ActivePolls(ctx context.Context) ([]*model.TallySnapshot, error) {
	polls, err := s.store.ListActivePolls(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*model.TallySnapshot, 0, len(polls))
	for _, poll := range polls {
		snapshots = append(snapshots, poll.ToPublic())
	}

	return snapshots, nil
}

// CastVote 记录一次投票，准入控制由HTTP层的中间件完成
func (s *PollService) CastVote(ctx context.Context, pollID, userID, optionID string) (*model.VoteResult, error) {
	if userID == "" {
		return nil, model.ErrUnauthenticated
	}
	if optionID == "" {
		return nil, fmt.Errorf("%w: 缺少选项", model.ErrInvalidOption)
	}

	return s.ledger.CastVote(ctx, pollID, userID, optionID)
}

// ClosePoll 手动关闭投票，与到期关闭互相幂等
func (s *PollService) ClosePoll(ctx context.Context, pollID string) error {
	if _, err := s.store.GetPoll(ctx, pollID); err != nil {
		return err
	}

	return s.closer.ClosePoll(ctx, pollID)
}
