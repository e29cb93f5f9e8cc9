// Package events 提供平台事件总线。
// 当前实现基于 NATS JetStream，用于发布流量记录与脚本生命周期相关事件，供下游审计与分析系统消费。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/interceptor/internal/domain"
)

// 事件类型常量
const (
	TypeTrafficRecorded = "traffic.recorded"
	TypeScriptCreated   = "script.created"
	TypeScriptUpdated   = "script.updated"
	TypeScriptDeleted   = "script.deleted"
	TypeScriptExecuted  = "script.executed"
)

// EventBus 封装 NATS/JetStream 连接与发布操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 表示平台内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// TrafficSummary 是 traffic.recorded 事件的数据。
// 事件中不携带请求/响应消息体。
type TrafficSummary struct {
	ID         string        `json:"id"`
	Method     domain.Method `json:"method"`
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Origin     domain.Origin `json:"origin"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ScriptSummary 是 script.* 事件的数据，不携带脚本代码。
type ScriptSummary struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Runtime domain.ScriptRuntime `json:"runtime"`
}

// ExecutionSummary 是 script.executed 事件的数据，不携带上下文与结果。
type ExecutionSummary struct {
	ScriptID   string                    `json:"scriptId"`
	State      domain.ExecutionState     `json:"state"`
	ErrorKind  domain.ExecutionErrorKind `json:"errorKind,omitempty"`
	DurationMs int64                     `json:"durationMs"`
}

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 为流量事件/脚本事件初始化 Stream（不存在则创建，存在则尝试更新配置）
	streams := []nats.StreamConfig{
		{
			Name:     "TRAFFIC",
			Subjects: []string{"traffic.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7, // 保留 7 天
		},
		{
			Name:     "SCRIPT_EVENTS",
			Subjects: []string{"script.>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 1, // 保留 1 天
		},
	}

	for _, cfg := range streams {
		_, err := js.AddStream(&cfg)
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			// 失败时尝试更新（例如 Stream 已存在但配置不同）
			js.UpdateStream(&cfg)
		}
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布事件到事件自身的 subject。
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = eb.js.Publish(event.Subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  event.Subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")

	return nil
}

// PublishTrafficRecorded 发布“流量已记录”事件。
func (eb *EventBus) PublishTrafficRecorded(ctx context.Context, rec *domain.TrafficRecord) error {
	return eb.Publish(ctx, NewTrafficRecordedEvent(rec))
}

// PublishScriptChanged 发布脚本生命周期事件（created/updated/deleted）。
func (eb *EventBus) PublishScriptChanged(ctx context.Context, eventType string, s *domain.Script) error {
	return eb.Publish(ctx, NewScriptEvent(eventType, s))
}

// PublishScriptExecuted 发布“脚本已执行”事件。
func (eb *EventBus) PublishScriptExecuted(ctx context.Context, outcome *domain.ExecutionOutcome) error {
	return eb.Publish(ctx, NewScriptExecutedEvent(outcome))
}

// NewTrafficRecordedEvent 构造 traffic.recorded 事件，subject 按来源区分
func NewTrafficRecordedEvent(rec *domain.TrafficRecord) *Event {
	data, _ := json.Marshal(TrafficSummary{
		ID:         rec.ID,
		Method:     rec.Method,
		URL:        rec.URL,
		StatusCode: rec.StatusCode,
		Origin:     rec.Origin,
		CreatedAt:  rec.CreatedAt,
	})
	return &Event{
		ID:        rec.ID,
		Type:      TypeTrafficRecorded,
		Source:    "recorder",
		Subject:   fmt.Sprintf("traffic.%s.recorded", rec.Origin),
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewScriptEvent 构造脚本生命周期事件
func NewScriptEvent(eventType string, s *domain.Script) *Event {
	data, _ := json.Marshal(ScriptSummary{ID: s.ID, Name: s.Name, Runtime: s.Runtime})
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "registry",
		Subject:   eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewScriptExecutedEvent 构造 script.executed 事件
func NewScriptExecutedEvent(outcome *domain.ExecutionOutcome) *Event {
	summary := ExecutionSummary{
		ScriptID:   outcome.ScriptID,
		State:      outcome.State,
		DurationMs: outcome.DurationMs,
	}
	if outcome.Err != nil {
		summary.ErrorKind = outcome.Err.Kind
	}
	data, _ := json.Marshal(summary)
	return &Event{
		ID:        uuid.New().String(),
		Type:      TypeScriptExecuted,
		Source:    "sandbox",
		Subject:   fmt.Sprintf("script.%s.executed", outcome.ScriptID),
		Data:      data,
		Timestamp: time.Now(),
	}
}
