// Package auth 实现管理 API 的认证闸门。
// 支持 JWT Bearer Token 与静态 API Key 两种方式，核心业务只信任已通过闸门的调用方。
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// APIKeyPrefix 是本系统生成的 API Key 的前缀
const APIKeyPrefix = "icp_"

// ErrAPIKeyNotFound 表示请求的 API Key 不在允许列表中
var ErrAPIKeyNotFound = errors.New("api key not found")

// GenerateAPIKey 生成一个新的 API Key。
// 返回原始密钥（交给调用方保存）和它的 SHA-256 哈希（写入配置）。
func GenerateAPIKey() (string, string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	key := APIKeyPrefix + hex.EncodeToString(bytes)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 计算 API Key 的 SHA-256 哈希值（十六进制编码）
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// StaticKeyValidator 基于配置中的静态列表验证 API Key。
// 列表项可以是原始密钥，也可以是 "sha256:" 前缀的哈希值。
type StaticKeyValidator struct {
	hashes []string
}

// NewStaticKeyValidator 创建静态 API Key 验证器
func NewStaticKeyValidator(keys []string) *StaticKeyValidator {
	v := &StaticKeyValidator{}
	for _, k := range keys {
		if len(k) > 7 && k[:7] == "sha256:" {
			v.hashes = append(v.hashes, k[7:])
			continue
		}
		v.hashes = append(v.hashes, HashAPIKey(k))
	}
	return v
}

// ValidateAPIKey 以常量时间比较哈希，匹配成功返回 operator 身份
func (v *StaticKeyValidator) ValidateAPIKey(key string) (*UserContext, error) {
	got := []byte(HashAPIKey(key))
	for _, h := range v.hashes {
		if subtle.ConstantTimeCompare(got, []byte(h)) == 1 {
			return &UserContext{UserID: "apikey:" + h[:8], Role: "operator", Method: "apikey"}, nil
		}
	}
	return nil, ErrAPIKeyNotFound
}
