package model

import "errors"

// 领域错误，用errors.Is匹配。HTTP层负责映射为状态码
var (
	// ErrPollNotFound 投票或选项记录不存在
	ErrPollNotFound = errors.New("投票不存在")
	// ErrPollClosed 投票已关闭或已过期，拒绝新投票和改票
	ErrPollClosed = errors.New("投票已关闭或已过期")
	// ErrInvalidOption 选项不属于该投票
	ErrInvalidOption = errors.New("无效的投票选项")
	// ErrInvalidPoll 创建投票的参数不合法
	ErrInvalidPoll = errors.New("无效的投票数据")
	// ErrUnauthenticated 缺少有效身份凭证
	ErrUnauthenticated = errors.New("缺少有效的身份凭证")
	// ErrRateLimited 准入控制拒绝
	ErrRateLimited = errors.New("请求过于频繁")
	// ErrDuplicateVote 唯一索引冲突，同一用户对同一投票并发插入
	ErrDuplicateVote = errors.New("投票记录已存在")
	// ErrTxConflict 事务写冲突，账本内部有限重试，重试耗尽才向上抛出
	ErrTxConflict = errors.New("事务冲突")
	// ErrStoreUnavailable 缓存/限流后端不可用，本地降级处理，不对外暴露
	ErrStoreUnavailable = errors.New("存储后端不可用")
)
