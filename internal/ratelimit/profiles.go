package ratelimit

import "time"

// Category - класс операции. Биржи тарифицируют и лимитируют эти классы
// по-разному: торговые вызовы дешевые и приоритетные, поллинг - самый
// расходуемый под давлением бюджета.
type Category string

const (
	CategoryEntry   Category = "entry"
	CategoryExit    Category = "exit"
	CategoryMonitor Category = "monitor"
	CategoryQuery   Category = "query"
)

// Tier - класс аккаунта по балансу, выбирает профиль лимитов
type Tier string

const (
	TierSmall    Tier = "small"
	TierStandard Tier = "standard"
	TierLarge    Tier = "large"
)

// Profile - лимиты одного аккаунта: общий бюджет вызовов на окно,
// доля бюджета для monitor/query и минимальный интервал по категориям.
type Profile struct {
	WindowBudget int // всего вызовов на окно

	// MonitorShare - доля окна, доступная monitor+query вместе.
	// Остаток всегда остается торговым операциям: entry/exit не
	// голодают даже когда поллинг выбрал свою долю.
	MonitorShare float64

	Intervals map[Category]time.Duration
}

// MonitorBudget возвращает sub-ceiling для monitor+query
func (p Profile) MonitorBudget() int {
	return int(float64(p.WindowBudget) * p.MonitorShare)
}

// ProfileFor возвращает профиль по tier. Entry/exit получают самые
// короткие интервалы, monitor - самый длинный.
func ProfileFor(tier Tier) Profile {
	switch tier {
	case TierLarge:
		return Profile{
			WindowBudget: 120,
			MonitorShare: 0.30,
			Intervals: map[Category]time.Duration{
				CategoryEntry:   200 * time.Millisecond,
				CategoryExit:    200 * time.Millisecond,
				CategoryQuery:   1 * time.Second,
				CategoryMonitor: 5 * time.Second,
			},
		}
	case TierStandard:
		return Profile{
			WindowBudget: 60,
			MonitorShare: 0.30,
			Intervals: map[Category]time.Duration{
				CategoryEntry:   500 * time.Millisecond,
				CategoryExit:    500 * time.Millisecond,
				CategoryQuery:   2 * time.Second,
				CategoryMonitor: 10 * time.Second,
			},
		}
	default: // TierSmall
		return Profile{
			WindowBudget: 30,
			MonitorShare: 0.25,
			Intervals: map[Category]time.Duration{
				CategoryEntry:   1 * time.Second,
				CategoryExit:    1 * time.Second,
				CategoryQuery:   5 * time.Second,
				CategoryMonitor: 20 * time.Second,
			},
		}
	}
}

// TierFor выбирает tier аккаунта по текущему балансу
func TierFor(balance, standardMin, largeMin float64) Tier {
	switch {
	case balance >= largeMin:
		return TierLarge
	case balance >= standardMin:
		return TierStandard
	default:
		return TierSmall
	}
}
