package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/metrics"
	"github.com/oriys/interceptor/internal/modifier"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Forwarder 执行单跳转发
type Forwarder interface {
	Forward(ctx context.Context, req *domain.HTTPRequest, cfg *domain.ProxyConfiguration) (*domain.HTTPResponse, error)
}

// Recorder 追加流量记录
type Recorder interface {
	Record(ctx context.Context, req *domain.HTTPRequest, resp *domain.HTTPResponse, origin domain.Origin) (*domain.TrafficRecord, error)
}

// defaultInjectRequest 是注入时未提供请求上下文所记录的请求
var defaultInjectRequest = domain.HTTPRequest{Method: domain.MethodGet, URL: "/", Headers: domain.Headers{}}

// Result 是一次交换的结果。
// 记录失败时 Record 为 nil，RecordErr 为 PersistenceError，Response 仍然有效。
type Result struct {
	Request   *domain.HTTPRequest
	Response  *domain.HTTPResponse
	Record    *domain.TrafficRecord
	RecordErr error
}

// Pipeline 按固定顺序执行一次交换的各阶段。
type Pipeline struct {
	configs   *ConfigManager
	modifier  *modifier.Modifier
	forwarder Forwarder
	recorder  Recorder
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewPipeline 创建交换管道
func NewPipeline(configs *ConfigManager, mod *modifier.Modifier, fwd Forwarder, rec Recorder, m *metrics.Metrics, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		configs:   configs,
		modifier:  mod,
		forwarder: fwd,
		recorder:  rec,
		metrics:   m,
		logger:    logger,
	}
}

// Configs 返回配置管理器
func (p *Pipeline) Configs() *ConfigManager {
	return p.configs
}

// ModifyRequest 用当前配置的请求规则修改请求，返回与输入无关的副本
func (p *Pipeline) ModifyRequest(ctx context.Context, raw *domain.HTTPRequest) (*domain.HTTPRequest, error) {
	cfg, err := p.configs.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.modifier.ModifyRequest(raw, cfg.RequestModifications)
}

// ModifyResponse 用当前配置的响应规则修改响应
func (p *Pipeline) ModifyResponse(ctx context.Context, raw *domain.HTTPResponse) (*domain.HTTPResponse, error) {
	cfg, err := p.configs.Get(ctx)
	if err != nil {
		return nil, err
	}
	return p.modifier.ModifyResponse(raw, cfg.ResponseModifications)
}

// Exchange 执行转发交换：请求修改 → 转发 → 响应修改 → 记录。
// 转发失败直接返回 ForwardingError，不产生记录；记录失败只体现在 Result.RecordErr 中。
func (p *Pipeline) Exchange(ctx context.Context, raw *domain.HTTPRequest) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "proxy.exchange")
	defer span.End()

	cfg, err := p.configs.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := p.modifier.ModifyRequest(raw, cfg.RequestModifications)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("http.method", string(req.Method)),
		attribute.String("http.url", req.URL),
	)

	upstream, err := p.forwarder.Forward(ctx, req, cfg)
	if err != nil {
		var fwdErr *domain.ForwardingError
		if errors.As(err, &fwdErr) {
			p.metrics.RecordForwardError(fwdErr.Timeout)
			p.logger.WithFields(logrus.Fields{
				"op":      "forward",
				"method":  req.Method,
				"url":     req.URL,
				"target":  fwdErr.Target,
				"timeout": fwdErr.Timeout,
			}).Warn("Forwarding failed")
		}
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	resp, err := p.modifier.ModifyResponse(upstream, cfg.ResponseModifications)
	if err != nil {
		return nil, err
	}

	res := p.record(ctx, req, resp, domain.OriginForwarded)
	p.metrics.RecordExchange(string(domain.OriginForwarded), resp.StatusCode, msSince(start))
	return res, nil
}

// Inject 以给定响应短路转发，记录的来源标记为 injected。
// req 为 nil 时记录默认请求 GET /。
func (p *Pipeline) Inject(ctx context.Context, spec *domain.HTTPResponse, req *domain.HTTPRequest) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "proxy.inject")
	defer span.End()

	resp, err := p.modifier.InjectResponse(spec)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = defaultInjectRequest.Clone()
	} else {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		req = req.Clone()
	}

	res := p.record(ctx, req, resp, domain.OriginInjected)
	p.metrics.RecordExchange(string(domain.OriginInjected), resp.StatusCode, msSince(start))
	return res, nil
}

// record 追加记录，失败时记日志但不阻断响应交付
func (p *Pipeline) record(ctx context.Context, req *domain.HTTPRequest, resp *domain.HTTPResponse, origin domain.Origin) *Result {
	res := &Result{Request: req, Response: resp}
	rec, err := p.recorder.Record(ctx, req, resp, origin)
	if err != nil {
		res.RecordErr = err
		telemetry.EntryWithTraceContext(ctx, p.logger.WithFields(logrus.Fields{
			"op":     "record traffic",
			"method": req.Method,
			"url":    req.URL,
			"status": resp.StatusCode,
			"origin": origin,
			"error":  err.Error(),
		})).Error("Failed to record traffic, response still delivered")
		return res
	}
	res.Record = rec
	return res
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
