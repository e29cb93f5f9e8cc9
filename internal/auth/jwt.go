package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义 JWT 相关的错误类型
var (
	// ErrInvalidToken 表示提供的令牌无效或格式错误
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 表示令牌已过期
	ErrExpiredToken = errors.New("token has expired")
)

// Claims 定义 JWT 令牌中的声明（Claims）结构。
type Claims struct {
	// UserID 存储调用方的唯一标识符
	UserID string `json:"user_id"`
	// Role 存储调用方的角色
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager 负责 HS256 令牌的签发和验证。
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager 创建 JWT 管理器
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// Generate 为指定调用方签发令牌
func (m *JWTManager) Generate(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "interceptor",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate 验证令牌签名与有效期并返回声明。
// 只接受 HS256 签名，过期令牌返回 ErrExpiredToken。
func (m *JWTManager) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
