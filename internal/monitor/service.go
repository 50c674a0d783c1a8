package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// 事件类型常量。
const (
	EventCycleStart      = "cycle_start"
	EventCycleEnd        = "cycle_end"
	EventEntryPlaced     = "entry_placed"
	EventEntryExpired    = "entry_expired"
	EventEntryCanceled   = "entry_canceled"
	EventProtected       = "protected"
	EventProtectFailed   = "protect_failed"
	EventPositionClosed  = "position_closed"
	EventStopMoved       = "stop_moved"
	EventBreakEven       = "break_even"
	EventOrphanCleaned   = "orphan_cleaned"
	EventMaintenanceSkip = "maintenance_skip"
)

// Event 为一条运行事件。
type Event struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"ts"`
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Service 把运行事件写入 SQLite，供排障与复盘查询。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 创建事件服务并初始化表结构。
func NewService(db *sql.DB, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("初始化事件表失败: %w", err)
	}

	return &Service{db: db, logger: logger}, nil
}

// Record 写入一条事件；失败只告警，不向调用方传播。
func (s *Service) Record(ctx context.Context, eventType, symbol string, detail map[string]interface{}) {
	detailJSON := "{}"
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			s.logger.Warn("事件详情序列化失败", zap.String("type", eventType), zap.Error(err))
		} else {
			detailJSON = string(data)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, type, symbol, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), eventType, symbol, detailJSON,
	)
	if err != nil {
		s.logger.Warn("事件写入失败",
			zap.String("type", eventType),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
}

// Recent 返回最近 limit 条事件，按时间倒序。
func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, type, symbol, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event      Event
			tsRaw      string
			detailsRaw string
		)
		if err := rows.Scan(&event.ID, &tsRaw, &event.Type, &event.Symbol, &detailsRaw); err != nil {
			return nil, fmt.Errorf("扫描事件失败: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
			event.Timestamp = ts
		}
		if detailsRaw != "" && detailsRaw != "{}" {
			_ = json.Unmarshal([]byte(detailsRaw), &event.Detail)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountByType 按类型统计事件数量，用于监控页汇总。
func (s *Service) CountByType(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM events WHERE ts >= ? GROUP BY type`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("统计事件失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("扫描统计失败: %w", err)
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}
