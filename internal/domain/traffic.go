package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Origin 标记一条流量记录的响应来源
type Origin string

const (
	// OriginForwarded 表示响应来自目标主机
	OriginForwarded Origin = "forwarded"
	// OriginInjected 表示响应由注入产生，未联系目标主机
	OriginInjected Origin = "injected"
)

// IsValid 检查来源标记是否合法
func (o Origin) IsValid() bool {
	return o == OriginForwarded || o == OriginInjected
}

// 分页常量
const (
	// DefaultPageSize 是未指定 limit 时的默认页大小
	DefaultPageSize = 10
	// MaxPageSize 是页大小上限
	MaxPageSize = 100
)

// TrafficRecord 是一次完成交换的不可变审计记录。
// 由 Recorder 独占创建，调用方只读查询。
type TrafficRecord struct {
	// ID 是记录的唯一标识符
	ID string `json:"id"`
	// Method 是请求方法
	Method Method `json:"method"`
	// URL 是请求地址
	URL string `json:"url"`
	// RequestHeaders 是请求头
	RequestHeaders Headers `json:"requestHeaders"`
	// RequestBody 是请求体（可选）
	RequestBody json.RawMessage `json:"requestBody,omitempty"`
	// RequestBodyEncoding 是请求体的表示方式
	RequestBodyEncoding BodyEncoding `json:"requestBodyEncoding,omitempty"`
	// StatusCode 是响应状态码
	StatusCode int `json:"statusCode"`
	// ResponseHeaders 是响应头
	ResponseHeaders Headers `json:"responseHeaders"`
	// ResponseBody 是响应体（可选）
	ResponseBody json.RawMessage `json:"responseBody,omitempty"`
	// ResponseBodyEncoding 是响应体的表示方式
	ResponseBodyEncoding BodyEncoding `json:"responseBodyEncoding,omitempty"`
	// Origin 是响应来源标记
	Origin Origin `json:"origin"`
	// CreatedAt 是记录创建时间
	CreatedAt time.Time `json:"createdAt"`
	// Seq 是存储层分配的插入序号，用于相同时间戳的稳定排序
	Seq int64 `json:"-"`
}

// NewTrafficRecord 由请求与响应构造一条记录（ID、时间戳由 Recorder 分配）
func NewTrafficRecord(req *HTTPRequest, resp *HTTPResponse, origin Origin) *TrafficRecord {
	return &TrafficRecord{
		Method:               req.Method,
		URL:                  req.URL,
		RequestHeaders:       req.Headers.Clone(),
		RequestBody:          cloneBody(req.Body),
		RequestBodyEncoding:  req.BodyEncoding,
		StatusCode:           resp.StatusCode,
		ResponseHeaders:      resp.Headers.Clone(),
		ResponseBody:         cloneBody(resp.Body),
		ResponseBodyEncoding: resp.BodyEncoding,
		Origin:               origin,
	}
}

// Clone 深拷贝记录，存储层对外返回副本以保证不可变性
func (r *TrafficRecord) Clone() *TrafficRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RequestHeaders = r.RequestHeaders.Clone()
	cp.ResponseHeaders = r.ResponseHeaders.Clone()
	cp.RequestBody = cloneBody(r.RequestBody)
	cp.ResponseBody = cloneBody(r.ResponseBody)
	return &cp
}

// TrafficQuery 是流量查询的过滤与分页条件。
type TrafficQuery struct {
	// StartDate 是时间范围起点（包含），必填
	StartDate time.Time
	// EndDate 是时间范围终点（包含），必填
	EndDate time.Time
	// TargetURL 是 URL 子串过滤（大小写不敏感），可选
	TargetURL string
	// Method 是方法等值过滤，可选
	Method Method
	// Page 是从 1 开始的页码
	Page int
	// Limit 是页大小（1-100）
	Limit int
}

// Validate 校验查询条件并填充默认分页参数
func (q *TrafficQuery) Validate() error {
	if q.StartDate.IsZero() {
		return Invalid("startDate", "required")
	}
	if q.EndDate.IsZero() {
		return Invalid("endDate", "required")
	}
	if q.StartDate.After(q.EndDate) {
		return Invalid("startDate", "must not be after endDate")
	}
	if q.Method != "" && !q.Method.IsValid() {
		return Invalid("method", "unsupported method")
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return Invalid("page", "must be >= 1")
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit < 1 || q.Limit > MaxPageSize {
		return Invalid("limit", "must be between 1 and 100")
	}
	return ValidatePage(q.Page, q.Limit)
}

// ValidatePage 检查 (page-1)*limit 不会溢出 int
func ValidatePage(page, limit int) error {
	if limit > 0 && page-1 > math.MaxInt/limit {
		return Invalid("page", "out of range")
	}
	return nil
}

// Offset 返回分页偏移量 (page-1)*limit
func (q *TrafficQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Matches 判断记录是否满足过滤条件（不含分页）
func (q *TrafficQuery) Matches(rec *TrafficRecord) bool {
	if rec.CreatedAt.Before(q.StartDate) || rec.CreatedAt.After(q.EndDate) {
		return false
	}
	if q.Method != "" && rec.Method != q.Method {
		return false
	}
	if q.TargetURL != "" && !strings.Contains(strings.ToLower(rec.URL), strings.ToLower(q.TargetURL)) {
		return false
	}
	return true
}
