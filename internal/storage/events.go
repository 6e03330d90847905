package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/telemetry"
)

// EventStore implements telemetry.EventStorage on the SQLite events table
type EventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventStore creates an event store sharing db with a SQLiteStore
func NewEventStore(db *sql.DB, logger *zap.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// StoreEvent stores an event in the database
func (s *EventStore) StoreEvent(ctx context.Context, event telemetry.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, worker_id, code, summary, details, correlation_id, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.Timestamp.UTC(),
		nullable(event.WorkerID),
		nullable(event.Code),
		event.Summary,
		string(detailsJSON),
		nullable(event.CorrelationID),
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to store event %s: %w", event.ID, err)
	}
	return nil
}

// GetEvents returns events matching filter, newest first
func (s *EventStore) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query, args := buildEventQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			event                         telemetry.Event
			eventType, severity, details  string
			workerID, code, correlationID sql.NullString
		)
		if err := rows.Scan(&event.ID, &eventType, &event.Timestamp, &workerID, &code,
			&event.Summary, &details, &correlationID, &severity); err != nil {
			s.logger.Error("Failed to scan event row", zap.Error(err))
			continue
		}

		event.Type = telemetry.EventType(eventType)
		event.Severity = telemetry.EventSeverity(severity)
		event.WorkerID = workerID.String
		event.Code = code.String
		event.CorrelationID = correlationID.String
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			s.logger.Warn("Failed to unmarshal event details", zap.String("event_id", event.ID), zap.Error(err))
			event.Details = make(map[string]interface{})
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// EventStats summarises the stored events
type EventStats struct {
	TotalEvents  int64            `json:"totalEvents"`
	EventsByType map[string]int64 `json:"eventsByType"`
}

// Stats counts stored events by type
func (s *EventStore) Stats(ctx context.Context) (EventStats, error) {
	stats := EventStats{EventsByType: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		return stats, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ   string
			count int64
		)
		if err := rows.Scan(&typ, &count); err != nil {
			return stats, fmt.Errorf("failed to scan event count: %w", err)
		}
		stats.EventsByType[typ] = count
		stats.TotalEvents += count
	}
	return stats, rows.Err()
}

// CleanupOldEvents removes events older than retention
func (s *EventStore) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", time.Now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}
	return res.RowsAffected()
}

func buildEventQuery(filter telemetry.EventFilter) (string, []interface{}) {
	query := `
		SELECT id, type, timestamp, worker_id, code, summary, details, correlation_id, severity
		FROM events
		WHERE 1=1`
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC())
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UTC())
	}
	if filter.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}

	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = config.DefaultEventQueryLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return query, args
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
