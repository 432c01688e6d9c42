// Package poslock сериализует работу с позицией (аккаунт, символ) между
// копировщиком и reconciler'ом: вход и принудительный выход по одной
// позиции не могут исполняться одновременно.
package poslock

import "sync"

// Keeper выдает блокировки по ключу (аккаунт, символ)
type Keeper struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Keeper {
	return &Keeper{locks: make(map[string]*sync.Mutex)}
}

// Lock захватывает блокировку позиции и возвращает функцию освобождения
func (k *Keeper) Lock(accountID, symbol string) func() {
	key := accountID + "|" + symbol

	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()

	return l.Unlock
}
