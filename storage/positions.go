package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"copyd/internal/models"
)

const positionColumns = `id, account_id, symbol, side, quantity, entry_price, entry_time,
	source, state, grace_until, zero_pnl_since, exit_reason, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (models.TrackedPosition, error) {
	var p models.TrackedPosition
	var side, source, state string
	var entryTime, graceUntil, zeroPnlSince, updatedAt int64

	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice,
		&entryTime, &source, &state, &graceUntil, &zeroPnlSince, &p.ExitReason, &updatedAt)
	if err != nil {
		return models.TrackedPosition{}, err
	}

	p.Side = models.Side(side)
	p.Source = models.PositionSource(source)
	p.State = models.PositionState(state)
	p.EntryTime = fromUnix(entryTime)
	p.GraceUntil = fromUnix(graceUntil)
	p.ZeroPnlSince = fromUnix(zeroPnlSince)
	p.UpdatedAt = fromUnix(updatedAt)

	return p, nil
}

// CreatePosition сохраняет новую позицию и возвращает ее ID.
// Пустое направление записывается как long.
func (s *Storage) CreatePosition(ctx context.Context, p models.TrackedPosition) (int64, error) {
	if p.Side == "" {
		p.Side = models.SideBuy
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_positions (account_id, symbol, side, quantity, entry_price,
			entry_time, source, state, grace_until, zero_pnl_since, exit_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.AccountID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, toUnix(p.EntryTime),
		string(p.Source), string(p.State), toUnix(p.GraceUntil),
		toUnix(p.ZeroPnlSince), p.ExitReason, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create position: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.logger.Info("Position tracked",
		slog.Int64("id", id),
		slog.String("account", p.AccountID),
		slog.String("symbol", p.Symbol),
		slog.String("source", string(p.Source)))

	return id, nil
}

// OpenByAccount возвращает не закрытые позиции аккаунта
// (open и exit_scheduled)
func (s *Storage) OpenByAccount(ctx context.Context, accountID string) ([]models.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM tracked_positions
		WHERE account_id = ? AND state != ?
		ORDER BY id
	`, accountID, string(models.PositionClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.TrackedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// OpenBySymbol возвращает не закрытую позицию аккаунта по символу,
// sql.ErrNoRows если такой нет
func (s *Storage) OpenBySymbol(ctx context.Context, accountID, symbol string) (models.TrackedPosition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM tracked_positions
		WHERE account_id = ? AND symbol = ? AND state != ?
		ORDER BY id DESC LIMIT 1
	`, accountID, symbol, string(models.PositionClosed))

	return scanPosition(row)
}

// CountOpen возвращает число не закрытых позиций аккаунта
func (s *Storage) CountOpen(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tracked_positions
		WHERE account_id = ? AND state != ?
	`, accountID, string(models.PositionClosed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}

	return n, nil
}

// UpdatePosition перезаписывает изменяемые поля позиции
func (s *Storage) UpdatePosition(ctx context.Context, p models.TrackedPosition) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_positions
		SET quantity = ?, entry_price = ?, state = ?, grace_until = ?,
			zero_pnl_since = ?, exit_reason = ?, updated_at = ?
		WHERE id = ?
	`, p.Quantity, p.EntryPrice, string(p.State), toUnix(p.GraceUntil),
		toUnix(p.ZeroPnlSince), p.ExitReason, time.Now().Unix(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	return nil
}

// MarkClosed переводит позицию в closed. Переход необратим.
func (s *Storage) MarkClosed(ctx context.Context, id int64, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tracked_positions SET state = ?, exit_reason = ?, updated_at = ?
		WHERE id = ? AND state != ?
	`, string(models.PositionClosed), reason, time.Now().Unix(),
		id, string(models.PositionClosed))
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}
