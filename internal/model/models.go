package model

import (
	"time"
)

// Poll 投票模型
type Poll struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	ExpiresAt  time.Time `json:"expiresAt"`
	IsActive   bool      `json:"isActive"`
	TotalVotes int       `json:"totalVotes"`
	CreatedAt  time.Time `json:"createdAt"`
	Options    []*Option `json:"options"`
}

// IsExpired 判断投票是否已过截止时间
func (p *Poll) IsExpired() bool {
	return !time.Now().Before(p.ExpiresAt)
}

// IsOpen 判断投票是否开放。关闭状态由active标志和截止时间共同推导，
// 不依赖定时关闭任务是否已执行
func (p *Poll) IsOpen() bool {
	return p.IsActive && !p.IsExpired()
}

// Option 返回属于该投票的选项，不存在时返回nil
func (p *Poll) Option(optionID string) *Option {
	for _, opt := range p.Options {
		if opt.ID == optionID {
			return opt
		}
	}
	return nil
}

// ToPublic 转换为对外的计票快照
func (p *Poll) ToPublic() *TallySnapshot {
	options := make([]OptionView, 0, len(p.Options))
	for _, opt := range p.Options {
		options = append(options, OptionView{
			ID:    opt.ID,
			Text:  opt.Text,
			Count: opt.Count,
		})
	}

	return &TallySnapshot{
		ID:         p.ID,
		Question:   p.Question,
		Options:    options,
		ExpiresAt:  p.ExpiresAt,
		IsActive:   p.IsOpen(),
		TotalVotes: p.TotalVotes,
		CreatedAt:  p.CreatedAt,
	}
}

// Option 投票选项模型，计数只在账本事务内变更
type Option struct {
	ID     string `json:"id"`
	PollID string `json:"pollId"`
	Text   string `json:"text"`
	Count  int    `json:"count"`
}

// Vote 投票记录，(userId, pollId)全局唯一
type Vote struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PollID    string    `json:"pollId"`
	OptionID  string    `json:"optionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TallySnapshot 计票快照，缓存条目，派生数据不具权威性
type TallySnapshot struct {
	ID         string       `json:"id"`
	Question   string       `json:"question"`
	Options    []OptionView `json:"options"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	IsActive   bool         `json:"isActive"`
	TotalVotes int          `json:"totalVotes"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// OptionView 快照中的选项视图
type OptionView struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// VoteOutcome 投票结果类型
type VoteOutcome string

const (
	// OutcomeRecorded 新记录投票
	OutcomeRecorded VoteOutcome = "recorded"
	// OutcomeUnchanged 重复投同一选项，幂等成功
	OutcomeUnchanged VoteOutcome = "unchanged"
	// OutcomeUpdated 改投其他选项
	OutcomeUpdated VoteOutcome = "updated"
)

// VoteResult 账本提交结果
type VoteResult struct {
	Outcome  VoteOutcome    `json:"outcome"`
	PollID   string         `json:"pollId"`
	OptionID string         `json:"optionId"`
	Delta    map[string]int `json:"delta,omitempty"`
}

// 广播事件类型
const (
	EventTallyDelta = "poll:update"
	EventPollClosed = "poll:closed"
)

// Event 房间广播事件
type Event struct {
	Type    string         `json:"type"`
	PollID  string         `json:"pollId"`
	Options map[string]int `json:"options,omitempty"`
	Message string         `json:"message,omitempty"`
}

// VoteAuditEvent Kafka投票审计事件
type VoteAuditEvent struct {
	PollID   string      `json:"pollId"`
	UserID   string      `json:"userId"`
	OptionID string      `json:"optionId"`
	Outcome  VoteOutcome `json:"outcome"`
	VotedAt  time.Time   `json:"votedAt"`
}
