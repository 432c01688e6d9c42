package storage

import (
	"context"
	"fmt"
	"time"

	"copyd/internal/models"
)

const resultColumns = `signal_id, account_id, status, notional, broker_order_id,
	reason, latency_ms, created_at`

func scanResult(row interface{ Scan(...any) error }) (models.CopyExecutionResult, error) {
	var r models.CopyExecutionResult
	var status string
	var createdAt int64

	err := row.Scan(&r.SignalID, &r.AccountID, &status, &r.Notional,
		&r.BrokerOrderID, &r.Reason, &r.LatencyMs, &createdAt)
	if err != nil {
		return models.CopyExecutionResult{}, err
	}

	r.Status = models.CopyStatus(status)
	r.CreatedAt = fromUnix(createdAt)

	return r, nil
}

// HasResult сообщает, есть ли уже результат по паре (signal, account)
func (s *Storage) HasResult(ctx context.Context, signalID, accountID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM copy_results WHERE signal_id = ? AND account_id = ?
	`, signalID, accountID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check result: %w", err)
	}

	return n > 0, nil
}

// SaveResult сохраняет результат исполнения. Повторная запись той же
// пары (signal, account) игнорируется - первый результат окончателен.
func (s *Storage) SaveResult(ctx context.Context, r models.CopyExecutionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO copy_results (signal_id, account_id, status, notional,
			broker_order_id, reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SignalID, r.AccountID, string(r.Status), r.Notional,
		r.BrokerOrderID, r.Reason, r.LatencyMs, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	return nil
}

// ResultsBySignal возвращает все результаты одного сигнала
func (s *Storage) ResultsBySignal(ctx context.Context, signalID string) ([]models.CopyExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM copy_results
		WHERE signal_id = ? ORDER BY account_id
	`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.CopyExecutionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// RecentResults возвращает последние результаты исполнения
func (s *Storage) RecentResults(ctx context.Context, limit int) ([]models.CopyExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM copy_results
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.CopyExecutionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}
