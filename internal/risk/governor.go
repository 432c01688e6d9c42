// Package risk - расчет размера позиции follower'а и circuit breaker
// аккаунтов. Расчет чистый и детерминированный: одна и та же входная
// комбинация всегда дает один и тот же размер.
package risk

import "fmt"

// DefaultMaxRiskFraction - жесткий потолок доли баланса в одной сделке
const DefaultMaxRiskFraction = 0.10

// Sizing - результат расчета размера для одного follower'а
type Sizing struct {
	Notional float64
	Skip     bool
	Reason   string // машиночитаемая причина при Skip
}

// FollowerNotional вычисляет пропорциональный размер сделки follower'а:
//
//	notional = master_notional * follower_balance / master_balance
//
// затем зажимает его потолком риска (maxRiskFraction от баланса) и
// минимальным торгуемым размером брокера. Размер ниже минимума - это
// пропуск, не ошибка: счет слишком мал для этой сделки.
func FollowerNotional(masterNotional, masterBalance, followerBalance, maxRiskFraction, brokerMin float64) Sizing {
	if masterBalance <= 0 {
		return Sizing{Skip: true, Reason: "master balance unknown"}
	}
	if followerBalance <= 0 {
		return Sizing{Skip: true, Reason: "zero balance"}
	}

	if maxRiskFraction <= 0 {
		maxRiskFraction = DefaultMaxRiskFraction
	}

	notional := masterNotional * followerBalance / masterBalance

	if cap := followerBalance * maxRiskFraction; notional > cap {
		notional = cap
	}

	if notional < brokerMin {
		return Sizing{
			Skip:   true,
			Reason: fmt.Sprintf("position too small: %.2f below broker minimum %.2f", notional, brokerMin),
		}
	}

	return Sizing{Notional: notional}
}
