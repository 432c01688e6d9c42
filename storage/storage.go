// Package storage - sqlite хранилище ядра: аккаунты, sequence состояние,
// отслеживаемые позиции, результаты копирования и журнал активности.
// Обычный sqlite файл: состояние можно инспектировать и править руками
// при ручном восстановлении.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"copyd/internal/models"

	_ "modernc.org/sqlite"
)

// Storage управляет базой данных
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// New открывает базу и инициализирует схему
func New(dbPath string, logger *slog.Logger) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// database/sql + sqlite: один writer, очередь на соединении
	db.SetMaxOpenConns(1)

	s := &Storage{
		db:     db,
		logger: logger,
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

// init инициализирует таблицы БД
func (s *Storage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			broker_kind TEXT NOT NULL,
			is_master INTEGER DEFAULT 0,
			disabled INTEGER DEFAULT 0,
			copy_entries INTEGER DEFAULT 1,
			copy_exits INTEGER DEFAULT 1,
			balance REAL DEFAULT 0,
			balance_at INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sequence_state (
			account_id TEXT PRIMARY KEY,
			last_value INTEGER NOT NULL,
			persisted_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tracked_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT DEFAULT 'buy',
			quantity REAL NOT NULL,
			entry_price REAL DEFAULT 0,
			entry_time INTEGER NOT NULL,
			source TEXT NOT NULL,
			state TEXT NOT NULL,
			grace_until INTEGER DEFAULT 0,
			zero_pnl_since INTEGER DEFAULT 0,
			exit_reason TEXT DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_positions_account_state
			ON tracked_positions(account_id, state);

		CREATE TABLE IF NOT EXISTS copy_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			notional REAL DEFAULT 0,
			broker_order_id TEXT DEFAULT '',
			reason TEXT DEFAULT '',
			latency_ms INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(signal_id, account_id)
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT DEFAULT '',
			level TEXT NOT NULL,
			action TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.logger.Info("✅ Database initialized")

	return nil
}

// Close закрывает соединение с БД
func (s *Storage) Close() error {
	return s.db.Close()
}

const accountColumns = `id, name, broker_kind, is_master, disabled,
	copy_entries, copy_exits, balance, balance_at, created_at`

func scanAccount(row interface{ Scan(...any) error }) (models.Account, error) {
	var acc models.Account
	var isMaster, disabled, copyEntries, copyExits int
	var balanceAt, createdAt int64

	err := row.Scan(&acc.ID, &acc.Name, &acc.BrokerKind, &isMaster, &disabled,
		&copyEntries, &copyExits, &acc.Balance, &balanceAt, &createdAt)
	if err != nil {
		return models.Account{}, err
	}

	acc.IsMaster = isMaster == 1
	acc.Disabled = disabled == 1
	acc.CopyEntries = copyEntries == 1
	acc.CopyExits = copyExits == 1
	acc.BalanceAt = fromUnix(balanceAt)
	acc.CreatedAt = fromUnix(createdAt)

	return acc, nil
}

// AddAccount добавляет аккаунт
func (s *Storage) AddAccount(ctx context.Context, acc models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, broker_kind, is_master, disabled,
			copy_entries, copy_exits, balance, balance_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acc.ID, acc.Name, acc.BrokerKind, boolInt(acc.IsMaster), boolInt(acc.Disabled),
		boolInt(acc.CopyEntries), boolInt(acc.CopyExits),
		acc.Balance, toUnix(acc.BalanceAt), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}

	s.logger.Info("✅ Account added",
		slog.String("account", acc.ID),
		slog.String("name", acc.Name),
		slog.Bool("is_master", acc.IsMaster))

	return nil
}

// GetAccounts возвращает все аккаунты
func (s *Storage) GetAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// GetMasterAccount возвращает главный аккаунт
func (s *Storage) GetMasterAccount(ctx context.Context) (models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_master = 1 LIMIT 1`)

	acc, err := scanAccount(row)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get master account: %w", err)
	}

	return acc, nil
}

// GetFollowerAccounts возвращает все follower аккаунты (не мастер)
func (s *Storage) GetFollowerAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_master = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// SetDisabled обновляет disabled статус аккаунта
func (s *Storage) SetDisabled(ctx context.Context, accountID string, disabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET disabled = ? WHERE id = ?`, boolInt(disabled), accountID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s not found", accountID)
	}

	s.logger.Info("Account disabled status updated",
		slog.String("account", accountID),
		slog.Bool("disabled", disabled))

	return nil
}

// UpdateBalance записывает снимок баланса
func (s *Storage) UpdateBalance(ctx context.Context, accountID string, balance float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, balance_at = ? WHERE id = ?`,
		balance, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return nil
}

// LoadSequence возвращает последнее persisted sequence значение аккаунта,
// 0 если записи еще нет
func (s *Storage) LoadSequence(ctx context.Context, accountID string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_value FROM sequence_state WHERE account_id = ?`, accountID).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load sequence: %w", err)
	}

	return value, nil
}

// SaveSequence записывает выданное sequence значение
func (s *Storage) SaveSequence(ctx context.Context, accountID string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_state (account_id, last_value, persisted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET last_value = excluded.last_value,
			persisted_at = excluded.persisted_at
	`, accountID, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save sequence: %w", err)
	}

	return nil
}

// AddLog сохраняет строку журнала активности
func (s *Storage) AddLog(ctx context.Context, entry models.ActivityLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (account_id, level, action, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.AccountID, entry.Level, entry.Action, entry.Message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add activity log: %w", err)
	}

	return nil
}

// RecentLogs возвращает последние записи журнала
func (s *Storage) RecentLogs(ctx context.Context, limit int) ([]models.ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, level, action, message, created_at
		FROM activity_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ActivityLog
	for rows.Next() {
		var entry models.ActivityLog
		var createdAt int64

		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Level,
			&entry.Action, &entry.Message, &createdAt); err != nil {
			return nil, err
		}

		entry.CreatedAt = fromUnix(createdAt)
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}

	return 0
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(v, 0).UTC()
}
