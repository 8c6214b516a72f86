package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

// gin上下文中存放用户标识的键
const ContextUserKey = "userId"

// GenerateAnonToken 为匿名用户签发JWT，userId为随机uuid。
// 核心逻辑只把userId当作不透明的稳定字符串使用
func GenerateAnonToken() (token string, userID string, err error) {
	userID = uuid.NewString()
	now := time.Now()

	claims := jwt.MapClaims{
		"userId": userID,
		"type":   "anonymous",
		"iat":    now.Unix(),
		"exp":    now.Add(config.AppConfig.JWT.Expiry).Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = t.SignedString([]byte(config.AppConfig.JWT.Secret))
	if err != nil {
		return "", "", fmt.Errorf("签发身份令牌失败: %w", err)
	}

	return token, userID, nil
}

// VerifyToken 校验JWT并取出userId
func VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", t.Header["alg"])
		}
		return []byte(config.AppConfig.JWT.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", model.ErrUnauthenticated
	}

	userID, ok := claims["userId"].(string)
	if !ok || userID == "" {
		return "", model.ErrUnauthenticated
	}

	return userID, nil
}

// Middleware 从Authorization头解析Bearer令牌并把userId注入请求上下文
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": model.ErrUnauthenticated.Error()})
			return
		}

		userID, err := VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": model.ErrUnauthenticated.Error()})
			return
		}

		c.Set(ContextUserKey, userID)
		c.Next()
	}
}

// UserID 取出中间件注入的用户标识
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return "", false
	}
	userID, ok := v.(string)
	return userID, ok && userID != ""
}
