package api

import (
	"net/http"

	"github.com/oriys/interceptor/internal/auth"
)

// AuthHandler 处理认证相关请求。
// 已通过认证闸门的调用方（例如使用 API Key）可以换取一个短期 JWT。
type AuthHandler struct {
	jwt *auth.JWTManager
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwt *auth.JWTManager) *AuthHandler {
	return &AuthHandler{jwt: jwt}
}

// TokenResponse 是签发令牌的响应体
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken 为当前调用方签发 JWT。
// HTTP端点: POST /auth/token
//
// 返回值：
//   - 200: 签发成功
//   - 401: 未认证（认证关闭时也无法确定身份）
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeErrorWithContext(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := h.jwt.Generate(user.UserID, user.Role)
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, UserID: user.UserID, Role: user.Role})
}

// WhoAmI 返回当前调用方的身份。
// HTTP端点: GET /auth/whoami
func (h *AuthHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "anonymous", "method": "none"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": user.UserID,
		"role":    user.Role,
		"method":  user.Method,
	})
}
