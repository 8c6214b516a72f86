package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/api/graph"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/broadcast"
	"github.com/lvdashuaibi/livepoll/internal/limiter"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/service"
)

// Server HTTP服务。对外暴露投票REST接口、SSE实时流和GraphQL查询端点
type Server struct {
	engine      *gin.Engine
	svc         *service.PollService
	limiter     *limiter.RateLimiter
	broadcaster broadcast.Broadcaster
}

func NewServer(svc *service.PollService, rl *limiter.RateLimiter, broadcaster broadcast.Broadcaster, graphqlHandler http.Handler) *Server {
	if !config.AppConfig.Server.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:      gin.Default(),
		svc:         svc,
		limiter:     rl,
		broadcaster: broadcaster,
	}

	s.engine.POST("/auth/anon", s.handleAnonToken)

	poll := s.engine.Group("/poll")
	poll.POST("", auth.Middleware(), s.handleCreatePoll)
	poll.GET("/:id", s.handleGetPoll)
	poll.POST("/:id/vote", auth.Middleware(), s.rateLimit(), s.handleCastVote)
	poll.POST("/:id/close", auth.Middleware(), s.handleClosePoll)
	poll.GET("/:id/stream", s.handleStream)

	if graphqlHandler != nil {
		s.engine.POST(config.AppConfig.GraphQL.Path, gin.WrapH(graphqlHandler))
		s.engine.GET("/playground", s.handlePlayground)
	}

	return s
}

// Start 启动HTTP服务器
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Sugar().Infof("HTTP服务已启动: http://localhost%s", addr)
	return s.engine.Run(addr)
}

// Engine 返回底层gin引擎（测试使用）
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// rateLimit 投票准入中间件。按用户取令牌，拒绝时带上重试提示
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": model.ErrUnauthenticated.Error()})
			return
		}

		decision := s.limiter.TryAdmit(c.Request.Context(), userID)

		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      model.ErrRateLimited.Error(),
				"retryAfter": int(decision.RetryAfter / time.Second),
			})
			return
		}

		c.Next()
	}
}

// handleAnonToken 签发匿名身份令牌
func (s *Server) handleAnonToken(c *gin.Context) {
	token, userID, err := auth.GenerateAnonToken()
	if err != nil {
		logger.Sugar().Errorf("签发匿名令牌失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "签发令牌失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"userId":    userID,
		"expiresIn": config.AppConfig.JWT.Expiry.String(),
	})
}

type createPollRequest struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	ExpiresAt string   `json:"expiresAt"`
}

// handleCreatePoll 创建投票
func (s *Server) handleCreatePoll(c *gin.Context) {
	var req createPollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": model.ErrInvalidPoll.Error()})
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "截止时间格式错误，要求RFC3339"})
		return
	}

	snapshot, err := s.svc.CreatePoll(c.Request.Context(), req.Question, req.Options, expiresAt)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}

// handleGetPoll 读取计票快照
func (s *Server) handleGetPoll(c *gin.Context) {
	snapshot, err := s.svc.GetPoll(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

type castVoteRequest struct {
	OptionID string `json:"optionId"`
}

// handleCastVote 记录一次投票
func (s *Server) handleCastVote(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": model.ErrUnauthenticated.Error()})
		return
	}

	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少选项optionId"})
		return
	}

	result, err := s.svc.CastVote(c.Request.Context(), c.Param("id"), userID, req.OptionID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  outcomeMessage(result.Outcome),
		"pollId":   result.PollID,
		"optionId": result.OptionID,
	})
}

// handleClosePoll 手动关闭投票，重复关闭为幂等成功
func (s *Server) handleClosePoll(c *gin.Context) {
	pollID := c.Param("id")
	if err := s.svc.ClosePoll(c.Request.Context(), pollID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "投票已关闭",
		"pollId":  pollID,
	})
}

// handleStream SSE实时流。进入投票房间，先推送当前快照作为对账基准，
// 之后持续推送计票增量和关闭事件，客户端断开时退出房间
func (s *Server) handleStream(c *gin.Context) {
	pollID := c.Param("id")

	snapshot, err := s.svc.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	sub, err := s.broadcaster.Subscribe(c.Request.Context(), pollID)
	if err != nil {
		logger.Sugar().Errorf("订阅投票房间失败: poll=%s err=%v", pollID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "订阅失败"})
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// writeError 把领域错误映射为HTTP状态码，未识别的错误一律按500处理且不泄露细节
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": model.ErrPollNotFound.Error()})
	case errors.Is(err, model.ErrPollClosed):
		c.JSON(http.StatusForbidden, gin.H{"error": model.ErrPollClosed.Error()})
	case errors.Is(err, model.ErrInvalidOption):
		c.JSON(http.StatusBadRequest, gin.H{"error": model.ErrInvalidOption.Error()})
	case errors.Is(err, model.ErrInvalidPoll):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": model.ErrUnauthenticated.Error()})
	case errors.Is(err, model.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": model.ErrRateLimited.Error()})
	case errors.Is(err, model.ErrTxConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "系统繁忙，请稍后重试"})
	default:
		logger.Sugar().Errorf("请求处理失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部错误"})
	}
}

// handlePlayground GraphQL Playground页面
func (s *Server) handlePlayground(c *gin.Context) {
	c.Header("Content-Type", "text/html")
	c.String(http.StatusOK, graph.PlaygroundHTML)
}

// outcomeMessage 投票结果的用户可见文案
func outcomeMessage(outcome model.VoteOutcome) string {
	switch outcome {
	case model.OutcomeRecorded:
		return "投票成功"
	case model.OutcomeUnchanged:
		return "已投过该选项"
	case model.OutcomeUpdated:
		return "改票成功"
	default:
		return "投票成功"
	}
}
