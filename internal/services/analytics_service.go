// internal/services/analytics_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Corphon/ProposalPilot/internal/utils"
)

// 分析事件名称
const (
	EventGenerationStarted   = "proposal_generation_started"
	EventGenerationCompleted = "proposal_generation_completed"
	EventGenerationFailed    = "proposal_generation_failed"
	EventDeckStarted         = "proposal_deck_generation_started"
	EventDeckCompleted       = "proposal_deck_generation_completed"
	EventDeckFailed          = "proposal_deck_generation_failed"
)

// AnalyticsEvent 一条分析事件
type AnalyticsEvent struct {
	Name        string                 `json:"event"`
	WorkspaceID string                 `json:"workspace_id"`
	DraftID     string                 `json:"draft_id,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	ClientName  string                 `json:"client_name,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
	At          time.Time              `json:"at"`
}

// AnalyticsSink 外部事件接收方
type AnalyticsSink interface {
	Track(ctx context.Context, event AnalyticsEvent) error
}

// AnalyticsDispatcher 火后即忘地投递事件，失败只记录日志
type AnalyticsDispatcher struct {
	sink    AnalyticsSink
	timeout time.Duration
	logger  *utils.Logger
}

// NewAnalyticsDispatcher 创建投递器
func NewAnalyticsDispatcher(sink AnalyticsSink) *AnalyticsDispatcher {
	return &AnalyticsDispatcher{
		sink:    sink,
		timeout: 5 * time.Second,
		logger:  utils.GetLogger(),
	}
}

// Track 在独立 goroutine 中投递，调用方从不等待
func (d *AnalyticsDispatcher) Track(event AnalyticsEvent) {
	if d == nil || d.sink == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("分析事件投递 panic", utils.Fields{"event": event.Name, "panic": fmt.Sprint(r)})
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sink.Track(ctx, event); err != nil {
			d.logger.Warn("分析事件投递失败", utils.Fields{
				"event":        event.Name,
				"workspace_id": event.WorkspaceID,
				"draft_id":     event.DraftID,
				"error":        err.Error(),
			})
		}
	}()
}

// LogAnalyticsSink 写日志的事件接收方
type LogAnalyticsSink struct {
	logger *utils.Logger
}

// NewLogAnalyticsSink 创建日志接收方
func NewLogAnalyticsSink() *LogAnalyticsSink {
	return &LogAnalyticsSink{logger: utils.GetLogger()}
}

// Track 记录事件
func (s *LogAnalyticsSink) Track(_ context.Context, event AnalyticsEvent) error {
	s.logger.Info("analytics", utils.Fields{
		"event":        event.Name,
		"workspace_id": event.WorkspaceID,
		"draft_id":     event.DraftID,
		"client_id":    event.ClientID,
	})
	return nil
}

// NATSAnalyticsSink 将事件发布到 NATS 主题
// 主题格式: <subject>.<event>
type NATSAnalyticsSink struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATSAnalyticsSink 连接 NATS
func ConnectNATSAnalyticsSink(url, subject string) (*NATSAnalyticsSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("proposal-pipeline-analytics"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				utils.GetLogger().Warn("NATS 连接断开", utils.Fields{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			utils.GetLogger().Info("NATS 已重连", utils.Fields{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return NewNATSAnalyticsSink(conn, subject), nil
}

// NewNATSAnalyticsSink 使用已有连接
func NewNATSAnalyticsSink(conn *nats.Conn, subject string) *NATSAnalyticsSink {
	if subject == "" {
		subject = "proposals.analytics"
	}
	return &NATSAnalyticsSink{conn: conn, subject: subject}
}

// Subject 事件对应的主题
func (s *NATSAnalyticsSink) Subject(event AnalyticsEvent) string {
	return s.subject + "." + event.Name
}

// Track 发布事件
func (s *NATSAnalyticsSink) Track(ctx context.Context, event AnalyticsEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化分析事件失败: %w", err)
	}
	return s.conn.Publish(s.Subject(event), data)
}

// Close 刷新并关闭连接
func (s *NATSAnalyticsSink) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

// MultiAnalyticsSink 扇出到多个接收方，返回合并后的错误
type MultiAnalyticsSink []AnalyticsSink

// Track 依次投递
func (m MultiAnalyticsSink) Track(ctx context.Context, event AnalyticsEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Track(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
