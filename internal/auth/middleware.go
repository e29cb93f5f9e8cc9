package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey 是用于在 context 中存储值的自定义类型。
type contextKey string

// UserContextKey 是请求上下文中存储调用方身份的键
const UserContextKey contextKey = "user"

// UserContext 存储已认证调用方的信息。
type UserContext struct {
	// UserID 调用方标识
	UserID string
	// Role 调用方角色
	Role string
	// Method 认证方式，"jwt" 或 "apikey"
	Method string
}

// APIKeyValidator 定义了 API Key 验证器的接口。
type APIKeyValidator interface {
	ValidateAPIKey(key string) (*UserContext, error)
}

// Middleware 是认证闸门：先尝试 API Key，再尝试 JWT Bearer Token。
type Middleware struct {
	jwt          *JWTManager
	apiKeyHeader string
	keyValidator APIKeyValidator
	enabled      bool
}

// NewMiddleware 创建认证中间件。enabled 为 false 时所有请求直接放行。
func NewMiddleware(jwt *JWTManager, apiKeyHeader string, keyValidator APIKeyValidator, enabled bool) *Middleware {
	return &Middleware{
		jwt:          jwt,
		apiKeyHeader: apiKeyHeader,
		keyValidator: keyValidator,
		enabled:      enabled,
	}
}

// Authenticate 是 HTTP 中间件，认证成功后把 UserContext 写入请求上下文
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		// API Key 认证
		if apiKey := r.Header.Get(m.apiKeyHeader); apiKey != "" && m.keyValidator != nil {
			if user, err := m.keyValidator.ValidateAPIKey(apiKey); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
				return
			}
		}

		// JWT Bearer Token 认证
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") && m.jwt != nil {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if claims, err := m.jwt.Validate(token); err == nil {
				user := &UserContext{
					UserID: claims.UserID,
					Role:   claims.Role,
					Method: "jwt",
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="interceptor"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
	})
}

// GetUser 从请求上下文中提取已认证的调用方，未认证时返回 nil
func GetUser(ctx context.Context) *UserContext {
	if user, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return user
	}
	return nil
}
