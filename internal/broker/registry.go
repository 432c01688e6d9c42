package broker

import (
	"fmt"
	"sync"
)

// Registry хранит Port для каждого аккаунта. Подключения регистрируются
// на старте, lookup безопасен из любых горутин.
type Registry struct {
	mu    sync.RWMutex
	ports map[string]Port
}

func NewRegistry() *Registry {
	return &Registry{ports: make(map[string]Port)}
}

// Register привязывает подключение к аккаунту
func (r *Registry) Register(accountID string, port Port) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ports[accountID] = port
}

// Port возвращает подключение аккаунта
func (r *Registry) Port(accountID string) (Port, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	port, ok := r.ports[accountID]
	if !ok {
		return nil, fmt.Errorf("no broker port for account %s", accountID)
	}

	return port, nil
}
