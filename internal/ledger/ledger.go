package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

const (
	// 事务冲突的最大重试次数
	maxRetries = 3
	// 重试前的退避时间
	retryBackoff = 10 * time.Millisecond
)

// Store 账本依赖的事务存储协作方
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx 单次账本事务。所有读写要么全部提交要么全部回滚，
// (userId, pollId)的唯一性由存储自身的唯一索引保证
type Tx interface {
	// GetPollForUpdate 锁定读取投票及其全部选项，不存在返回ErrPollNotFound
	GetPollForUpdate(pollID string) (*model.Poll, error)
	// GetVoteForUpdate 锁定读取用户在该投票下的投票记录，不存在返回(nil, nil)
	GetVoteForUpdate(pollID, userID string) (*model.Vote, error)
	// InsertVote 插入投票记录，唯一索引冲突返回ErrDuplicateVote
	InsertVote(vote *model.Vote) error
	// UpdateVoteOption 修改投票记录指向的选项
	UpdateVoteOption(voteID, optionID string) error
	// IncrementOption 调整选项计数，delta为负时不会减到0以下
	IncrementOption(optionID string, delta int) error
	// IncrementPollTotal 调整投票总数
	IncrementPollTotal(pollID string, delta int) error
	Commit() error
	Rollback() error
}

// Invalidator 计票缓存失效协作方
type Invalidator interface {
	Invalidate(ctx context.Context, pollID string)
}

// Broadcaster 房间广播协作方
type Broadcaster interface {
	Publish(ctx context.Context, pollID string, event *model.Event) error
}

// AuditProducer 投票审计事件生产方
type AuditProducer interface {
	SendVoteAudit(event *model.VoteAuditEvent) error
}

// VoteLedger 投票账本。负责单个用户在单个投票上恰好一票的状态迁移，
// 提交成功后先失效缓存再广播增量
type VoteLedger struct {
	store       Store
	cache       Invalidator
	broadcaster Broadcaster
	audit       AuditProducer
}

func NewVoteLedger(store Store, cache Invalidator, broadcaster Broadcaster, audit AuditProducer) *VoteLedger {
	return &VoteLedger{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		audit:       audit,
	}
}

// CastVote 记录或修改一次投票。结果为Recorded/Unchanged/Updated之一，
// 事务冲突在内部有限重试，并发插入竞争的失败方会在重试中走到改票/幂等分支
func (l *VoteLedger) CastVote(ctx context.Context, pollID, userID, optionID string) (*model.VoteResult, error) {
	var result *model.VoteResult
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err = l.castOnce(ctx, pollID, userID, optionID)
		if err == nil || !errors.Is(err, model.ErrTxConflict) {
			break
		}
		logger.Sugar().Warnf("投票事务冲突，准备重试: poll=%s user=%s 第%d次", pollID, userID, attempt+1)
		time.Sleep(retryBackoff)
	}
	if err != nil {
		return nil, err
	}

	if result.Outcome != model.OutcomeUnchanged {
		l.afterCommit(ctx, userID, result)
	}

	return result, nil
}

// castOnce 执行一次完整的账本事务
func (l *VoteLedger) castOnce(ctx context.Context, pollID, userID, optionID string) (*model.VoteResult, error) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("开始账本事务失败: %w", err)
	}

	poll, err := tx.GetPollForUpdate(pollID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if !poll.IsOpen() {
		tx.Rollback()
		return nil, model.ErrPollClosed
	}

	if poll.Option(optionID) == nil {
		tx.Rollback()
		return nil, model.ErrInvalidOption
	}

	existing, err := tx.GetVoteForUpdate(pollID, userID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("查询已有投票记录失败: %w", err)
	}

	if existing == nil {
		return l.recordNew(tx, pollID, userID, optionID)
	}

	if existing.OptionID == optionID {
		// 幂等重投，不做任何变更
		tx.Rollback()
		return &model.VoteResult{
			Outcome:  model.OutcomeUnchanged,
			PollID:   pollID,
			OptionID: optionID,
		}, nil
	}

	return l.amend(tx, pollID, optionID, existing)
}

// recordNew 首次投票：插入记录、选项计数+1、总票数+1
func (l *VoteLedger) recordNew(tx Tx, pollID, userID, optionID string) (*model.VoteResult, error) {
	vote := &model.Vote{
		ID:        uuid.NewString(),
		UserID:    userID,
		PollID:    pollID,
		OptionID:  optionID,
		CreatedAt: time.Now(),
	}

	if err := tx.InsertVote(vote); err != nil {
		tx.Rollback()
		if errors.Is(err, model.ErrDuplicateVote) {
			// 并发插入输掉竞争，按冲突重试，下一轮会读到已插入的记录
			return nil, model.ErrTxConflict
		}
		return nil, fmt.Errorf("插入投票记录失败: %w", err)
	}

	if err := tx.IncrementOption(optionID, 1); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("增加选项计数失败: %w", err)
	}

	if err := tx.IncrementPollTotal(pollID, 1); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("增加总票数失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交投票事务失败: %w", err)
	}

	return &model.VoteResult{
		Outcome:  model.OutcomeRecorded,
		PollID:   pollID,
		OptionID: optionID,
		Delta:    map[string]int{optionID: 1},
	}, nil
}

// amend 改票：旧选项计数-1、新选项计数+1、总票数不变
func (l *VoteLedger) amend(tx Tx, pollID, optionID string, existing *model.Vote) (*model.VoteResult, error) {
	oldOptionID := existing.OptionID

	if err := tx.IncrementOption(oldOptionID, -1); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("减少原选项计数失败: %w", err)
	}

	if err := tx.UpdateVoteOption(existing.ID, optionID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("更新投票记录失败: %w", err)
	}

	if err := tx.IncrementOption(optionID, 1); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("增加新选项计数失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交改票事务失败: %w", err)
	}

	return &model.VoteResult{
		Outcome:  model.OutcomeUpdated,
		PollID:   pollID,
		OptionID: optionID,
		Delta:    map[string]int{oldOptionID: -1, optionID: 1},
	}, nil
}

// afterCommit 提交后的副作用。先失效缓存再广播，
// 保证订阅者收到事件后的重新读取不会命中旧快照
func (l *VoteLedger) afterCommit(ctx context.Context, userID string, result *model.VoteResult) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, result.PollID)
	}

	if l.broadcaster != nil {
		event := &model.Event{
			Type:    model.EventTallyDelta,
			PollID:  result.PollID,
			Options: result.Delta,
		}
		if err := l.broadcaster.Publish(ctx, result.PollID, event); err != nil {
			logger.Sugar().Warnf("广播计票增量失败: poll=%s err=%v", result.PollID, err)
		}
	}

	if l.audit != nil {
		audit := &model.VoteAuditEvent{
			PollID:   result.PollID,
			UserID:   userID,
			OptionID: result.OptionID,
			Outcome:  result.Outcome,
			VotedAt:  time.Now(),
		}
		if err := l.audit.SendVoteAudit(audit); err != nil {
			logger.Sugar().Warnf("发送投票审计事件失败: poll=%s err=%v", result.PollID, err)
		}
	}
}
