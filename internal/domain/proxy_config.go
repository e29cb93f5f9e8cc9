package domain

import (
	"encoding/json"
	"regexp"
	"time"
)

// hostnamePattern 匹配由 RFC 1123 标签组成的主机名
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// MaxHostnameLength 是主机名的最大长度
const MaxHostnameLength = 253

// ValidateHostname 校验目标主机名是否符合主机名语法（也接受 IPv4 字面量）
func ValidateHostname(host string) error {
	if host == "" {
		return Invalid("targetHostname", "required")
	}
	if len(host) > MaxHostnameLength || !hostnamePattern.MatchString(host) {
		return Invalid("targetHostname", "not a valid hostname")
	}
	return nil
}

// ValidatePort 校验目标端口范围（1-65535）
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return Invalid("targetPort", "must be between 1 and 65535")
	}
	return nil
}

// Rules 是一组修改规则：键定位字段，值为任意 JSON。
// 规则键的语义由 modifier 包解释。
type Rules map[string]json.RawMessage

// Clone 深拷贝规则集合
func (r Rules) Clone() Rules {
	out := make(Rules, len(r))
	for k, v := range r {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// ProxyConfiguration 是每个部署唯一的代理配置。
// 只能通过显式更新修改，永不删除。
type ProxyConfiguration struct {
	// TargetHostname 是转发目标主机名
	TargetHostname string `json:"targetHostname"`
	// TargetPort 是转发目标端口
	TargetPort int `json:"targetPort"`
	// RequestModifications 是默认的请求修改规则
	RequestModifications Rules `json:"requestModifications"`
	// ResponseModifications 是默认的响应修改规则
	ResponseModifications Rules `json:"responseModifications"`
	// UpdatedAt 是最后一次更新时间（不对外暴露）
	UpdatedAt time.Time `json:"-"`
}

// Validate 校验主机名语法与端口范围，并把缺省的规则集合规范化为空映射
func (c *ProxyConfiguration) Validate() error {
	if c == nil {
		return Invalid("config", "missing")
	}
	if err := ValidateHostname(c.TargetHostname); err != nil {
		return err
	}
	if err := ValidatePort(c.TargetPort); err != nil {
		return err
	}
	if c.RequestModifications == nil {
		c.RequestModifications = Rules{}
	}
	if c.ResponseModifications == nil {
		c.ResponseModifications = Rules{}
	}
	return nil
}

// Clone 深拷贝配置
func (c *ProxyConfiguration) Clone() *ProxyConfiguration {
	if c == nil {
		return nil
	}
	return &ProxyConfiguration{
		TargetHostname:        c.TargetHostname,
		TargetPort:            c.TargetPort,
		RequestModifications:  c.RequestModifications.Clone(),
		ResponseModifications: c.ResponseModifications.Clone(),
		UpdatedAt:             c.UpdatedAt,
	}
}
