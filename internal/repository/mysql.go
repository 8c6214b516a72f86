package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/ledger"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

// MySQL错误码
const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWaitTimout = 1205
	mysqlErrDeadlock       = 1213
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		logger.Sugar().Warnf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// CreatePoll 创建投票及其全部选项，单事务写入
func (r *MySQLRepository) CreatePoll(ctx context.Context, poll *model.Poll) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	query := "INSERT INTO polls (id, question, expires_at, is_active, total_votes, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	if _, err := tx.Exec(query, poll.ID, poll.Question, poll.ExpiresAt, poll.IsActive, poll.TotalVotes, poll.CreatedAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("插入投票失败: %w", err)
	}

	optionStmt, err := tx.Prepare("INSERT INTO poll_options (id, poll_id, text, count) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("准备插入选项语句失败: %w", err)
	}
	defer optionStmt.Close()

	for _, opt := range poll.Options {
		if _, err := optionStmt.Exec(opt.ID, opt.PollID, opt.Text, opt.Count); err != nil {
			tx.Rollback()
			return fmt.Errorf("插入选项 %s 失败: %w", opt.Text, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交创建投票事务失败: %w", err)
	}

	return nil
}

// GetPoll 读取投票及其全部选项（走从库）
func (r *MySQLRepository) GetPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	query := "SELECT id, question, expires_at, is_active, total_votes, created_at FROM polls WHERE id = ?"
	row := r.slaveDB.QueryRowContext(ctx, query, pollID)

	poll, err := scanPoll(row)
	if err != nil {
		return nil, err
	}

	options, err := loadOptions(ctx, r.slaveDB, pollID)
	if err != nil {
		return nil, err
	}
	poll.Options = options

	return poll, nil
}

// ListActivePolls 读取所有活跃投票（含选项），供定时关闭任务重建
func (r *MySQLRepository) ListActivePolls(ctx context.Context) ([]*model.Poll, error) {
	query := "SELECT id, question, expires_at, is_active, total_votes, created_at FROM polls WHERE is_active = 1 ORDER BY created_at"
	rows, err := r.slaveDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询活跃投票失败: %w", err)
	}
	defer rows.Close()

	var polls []*model.Poll
	for rows.Next() {
		var poll model.Poll
		if err := rows.Scan(&poll.ID, &poll.Question, &poll.ExpiresAt, &poll.IsActive, &poll.TotalVotes, &poll.CreatedAt); err != nil {
			return nil, fmt.Errorf("扫描投票失败: %w", err)
		}
		polls = append(polls, &poll)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代活跃投票失败: %w", err)
	}

	for _, poll := range polls {
		options, err := loadOptions(ctx, r.slaveDB, poll.ID)
		if err != nil {
			return nil, err
		}
		poll.Options = options
	}

	return polls, nil
}

// ClosePoll 关闭投票。已关闭时不做变更并返回false，保证与定时关闭互相幂等
func (r *MySQLRepository) ClosePoll(ctx context.Context, pollID string) (bool, error) {
	query := "UPDATE polls SET is_active = 0 WHERE id = ? AND is_active = 1"
	result, err := r.masterDB.ExecContext(ctx, query, pollID)
	if err != nil {
		return false, fmt.Errorf("关闭投票失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取关闭结果失败: %w", err)
	}

	return affected > 0, nil
}

// SaveVoteLog 写入投票审计日志（Kafka消费者使用）
func (r *MySQLRepository) SaveVoteLog(ctx context.Context, event *model.VoteAuditEvent) error {
	query := "INSERT INTO vote_logs (poll_id, user_id, option_id, outcome, voted_at) VALUES (?, ?, ?, ?, ?)"
	_, err := r.masterDB.ExecContext(ctx, query, event.PollID, event.UserID, event.OptionID, string(event.Outcome), event.VotedAt)
	if err != nil {
		return fmt.Errorf("保存投票日志失败: %w", err)
	}
	return nil
}

// Begin 开启一次账本事务（走主库）
func (r *MySQLRepository) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开始事务失败: %w", err)
	}
	return &voteTx{tx: tx, ctx: ctx}, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

// voteTx 账本事务的MySQL实现
type voteTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *voteTx) GetPollForUpdate(pollID string) (*model.Poll, error) {
	query := "SELECT id, question, expires_at, is_active, total_votes, created_at FROM polls WHERE id = ? FOR UPDATE"
	row := t.tx.QueryRowContext(t.ctx, query, pollID)

	poll, err := scanPoll(row)
	if err != nil {
		return nil, err
	}

	optQuery := "SELECT id, poll_id, text, count FROM poll_options WHERE poll_id = ? ORDER BY id"
	rows, err := t.tx.QueryContext(t.ctx, optQuery, pollID)
	if err != nil {
		return nil, fmt.Errorf("查询投票选项失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var opt model.Option
		if err := rows.Scan(&opt.ID, &opt.PollID, &opt.Text, &opt.Count); err != nil {
			return nil, fmt.Errorf("扫描投票选项失败: %w", err)
		}
		poll.Options = append(poll.Options, &opt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票选项失败: %w", err)
	}

	return poll, nil
}

func (t *voteTx) GetVoteForUpdate(pollID, userID string) (*model.Vote, error) {
	query := "SELECT id, user_id, poll_id, option_id, created_at FROM votes WHERE poll_id = ? AND user_id = ? FOR UPDATE"
	row := t.tx.QueryRowContext(t.ctx, query, pollID, userID)

	var vote model.Vote
	err := row.Scan(&vote.ID, &vote.UserID, &vote.PollID, &vote.OptionID, &vote.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询投票记录失败: %w", err)
	}

	return &vote, nil
}

func (t *voteTx) InsertVote(vote *model.Vote) error {
	query := "INSERT INTO votes (id, user_id, poll_id, option_id, created_at) VALUES (?, ?, ?, ?, ?)"
	_, err := t.tx.ExecContext(t.ctx, query, vote.ID, vote.UserID, vote.PollID, vote.OptionID, vote.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return fmt.Errorf("%w: poll=%s user=%s", model.ErrDuplicateVote, vote.PollID, vote.UserID)
		}
		return translateTxError(err, "插入投票记录失败")
	}
	return nil
}

func (t *voteTx) UpdateVoteOption(voteID, optionID string) error {
	query := "UPDATE votes SET option_id = ? WHERE id = ?"
	if _, err := t.tx.ExecContext(t.ctx, query, optionID, voteID); err != nil {
		return translateTxError(err, "更新投票记录失败")
	}
	return nil
}

func (t *voteTx) IncrementOption(optionID string, delta int) error {
	// 负增量不允许减到0以下
	query := "UPDATE poll_options SET count = count + ? WHERE id = ?"
	if delta < 0 {
		query = "UPDATE poll_options SET count = count + ? WHERE id = ? AND count > 0"
	}
	if _, err := t.tx.ExecContext(t.ctx, query, delta, optionID); err != nil {
		return translateTxError(err, "更新选项计数失败")
	}
	return nil
}

func (t *voteTx) IncrementPollTotal(pollID string, delta int) error {
	query := "UPDATE polls SET total_votes = total_votes + ? WHERE id = ?"
	if _, err := t.tx.ExecContext(t.ctx, query, delta, pollID); err != nil {
		return translateTxError(err, "更新总票数失败")
	}
	return nil
}

func (t *voteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return translateTxError(err, "提交事务失败")
	}
	return nil
}

func (t *voteTx) Rollback() error {
	return t.tx.Rollback()
}

// scanPoll 扫描单行投票记录
func scanPoll(row *sql.Row) (*model.Poll, error) {
	var poll model.Poll
	err := row.Scan(&poll.ID, &poll.Question, &poll.ExpiresAt, &poll.IsActive, &poll.TotalVotes, &poll.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPollNotFound
		}
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}
	return &poll, nil
}

// loadOptions 读取投票的全部选项
func loadOptions(ctx context.Context, db *sql.DB, pollID string) ([]*model.Option, error) {
	query := "SELECT id, poll_id, text, count FROM poll_options WHERE poll_id = ? ORDER BY id"
	rows, err := db.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("查询投票选项失败: %w", err)
	}
	defer rows.Close()

	var options []*model.Option
	for rows.Next() {
		var opt model.Option
		if err := rows.Scan(&opt.ID, &opt.PollID, &opt.Text, &opt.Count); err != nil {
			return nil, fmt.Errorf("扫描投票选项失败: %w", err)
		}
		options = append(options, &opt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票选项失败: %w", err)
	}

	return options, nil
}

// translateTxError 把MySQL的死锁/锁等待错误翻译为可重试的事务冲突
func translateTxError(err error, msg string) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimout:
			return fmt.Errorf("%w: %v", model.ErrTxConflict, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
