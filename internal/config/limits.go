package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration оборачивает time.Duration для yaml значений вида "3m", "30s"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", node.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

// D возвращает значение как time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// Limits - горячеперезагружаемые тюнинг-параметры. Потребители читают
// их через Watcher.Snapshot() при каждом использовании, поэтому
// обновленный файл подхватывается без рестарта.
//
// Пороги zombie-детекции подбирались эмпирически - это стартовые
// значения, не несущие константы.
type Limits struct {
	MaxRiskFraction    float64 `yaml:"max_risk_fraction"`    // потолок доли баланса в сделке
	MinFollowerBalance float64 `yaml:"min_follower_balance"` // минимальный tier для участия в копировании

	TierStandardMin float64 `yaml:"tier_standard_min"`
	TierLargeMin    float64 `yaml:"tier_large_min"`

	MaxOpenPositions int `yaml:"max_open_positions"`

	ReconcileInterval Duration `yaml:"reconcile_interval"`
	GracePeriod       Duration `yaml:"grace_period"` // adopted позиции не трогаем этот срок
	ZombieThreshold   Duration `yaml:"zombie_threshold"`
	ZombieEpsilon     float64  `yaml:"zombie_epsilon"` // доля, 0.0001 = 0.01%
	MaxExitsPerCycle  int      `yaml:"max_exits_per_cycle"`
	NewPositionAge    Duration `yaml:"new_position_age"` // моложе этого - не кандидат на over-cap выход

	TakeProfitPct   float64  `yaml:"take_profit_pct"`
	StopLossPct     float64  `yaml:"stop_loss_pct"`
	MaxHoldDuration Duration `yaml:"max_hold_duration"` // 0 = без ограничения по времени

	DispatchTimeout Duration `yaml:"dispatch_timeout"` // таймаут одного вызова брокера
	BreakerLimit    int      `yaml:"breaker_limit"`    // подряд идущих ошибок до отключения аккаунта
}

// DefaultLimits возвращает рабочие значения по умолчанию
func DefaultLimits() Limits {
	return Limits{
		MaxRiskFraction:    0.10,
		MinFollowerBalance: 25,
		TierStandardMin:    1000,
		TierLargeMin:       10000,
		MaxOpenPositions:   8,
		ReconcileInterval:  Duration(time.Minute),
		GracePeriod:        Duration(3 * time.Minute),
		ZombieThreshold:    Duration(30 * time.Minute),
		ZombieEpsilon:      0.0001,
		MaxExitsPerCycle:   3,
		NewPositionAge:     Duration(5 * time.Minute),
		TakeProfitPct:      0.02,
		StopLossPct:        0.01,
		MaxHoldDuration:    0,
		DispatchTimeout:    Duration(10 * time.Second),
		BreakerLimit:       3,
	}
}

func (l Limits) validate() error {
	if l.MaxRiskFraction <= 0 || l.MaxRiskFraction > 1 {
		return fmt.Errorf("max_risk_fraction must be in (0, 1], got %v", l.MaxRiskFraction)
	}
	if l.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", l.MaxOpenPositions)
	}
	if l.MaxExitsPerCycle <= 0 {
		return fmt.Errorf("max_exits_per_cycle must be positive, got %d", l.MaxExitsPerCycle)
	}
	if l.ZombieEpsilon <= 0 {
		return fmt.Errorf("zombie_epsilon must be positive, got %v", l.ZombieEpsilon)
	}

	return nil
}

// Watcher следит за yaml файлом лимитов и отдает консистентные снимки
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	limits  Limits
	modTime time.Time
}

// NewWatcher читает файл лимитов. Отсутствующий файл - не ошибка,
// работаем на дефолтах.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	w := &Watcher{
		path:   path,
		logger: logger,
		limits: DefaultLimits(),
	}

	if err := w.reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Info("Limits file not found, using defaults", slog.String("path", path))
			return w, nil
		}

		return nil, fmt.Errorf("failed to load limits: %w", err)
	}

	return w, nil
}

// Snapshot возвращает текущие лимиты (копию)
func (w *Watcher) Snapshot() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.limits
}

// Watch опрашивает mtime файла и перечитывает его при изменении.
// Битый файл логируется и игнорируется, действуют прежние значения.
func (w *Watcher) Watch(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}

			w.mu.RLock()
			changed := info.ModTime().After(w.modTime)
			w.mu.RUnlock()

			if !changed {
				continue
			}

			if err := w.reload(); err != nil {
				w.logger.Error("Failed to reload limits, keeping previous values",
					slog.String("path", w.path),
					slog.Any("error", err))

				continue
			}

			w.logger.Info("✅ Limits reloaded", slog.String("path", w.path))
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}

	limits := DefaultLimits()
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return fmt.Errorf("failed to parse limits yaml: %w", err)
	}

	if err := limits.validate(); err != nil {
		return err
	}

	w.mu.Lock()
	w.limits = limits
	w.modTime = info.ModTime()
	w.mu.Unlock()

	return nil
}
