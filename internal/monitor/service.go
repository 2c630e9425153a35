package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"buycost/internal/store"
)

const defaultMaxEvents = 1000

// Service 负责记录监控事件，只保留最近 maxEvents 条。
// nil *Service 的 Record* 方法为空操作。
type Service struct {
	db        *sql.DB
	maxEvents int
	logger    *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, maxEvents int, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	s := &Service{
		db:        store.DB(),
		maxEvents: maxEvents,
		logger:    logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件并裁剪超出上限的旧事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM monitor_events WHERE id <= (SELECT id FROM monitor_events ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.maxEvents,
	)
	if err != nil {
		return fmt.Errorf("monitor: 裁剪事件失败: %w", err)
	}

	return nil
}

// RecordRun 记录一轮聚合的汇总。
func (s *Service) RecordRun(ctx context.Context, payload RunPayload) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: EventRun, Payload: payload}); err != nil {
		s.logger.Warn("记录聚合事件失败", zap.Error(err))
	}
}

// RecordVenueReport 记录单个交易所结果。
func (s *Service) RecordVenueReport(ctx context.Context, payload VenueReportPayload) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: EventVenueReport, Payload: payload}); err != nil {
		s.logger.Warn("记录交易所结果失败", zap.Error(err))
	}
}

// RecordStreamState 记录推送源状态。
func (s *Service) RecordStreamState(ctx context.Context, payload StreamStatePayload) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: EventStreamState, Payload: payload}); err != nil {
		s.logger.Warn("记录推送状态失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	if s == nil || err == nil {
		return
	}
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，按时间倒序。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
