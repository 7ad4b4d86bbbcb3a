package channel

import (
	"sort"
	"strings"
	"sync"
)

// Variables хранилище строковых переменных канала.
// Ключи регистронезависимы, последняя запись побеждает.
// Пустое значение отличается от отсутствующего ключа.
type Variables struct {
	mu   sync.RWMutex
	vars map[string]variable
}

type variable struct {
	key   string // ключ в том виде, как его записали
	value string
}

// NewVariables создает пустое хранилище
func NewVariables() *Variables {
	return &Variables{vars: make(map[string]variable)}
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

// Get возвращает значение и признак наличия ключа
func (v *Variables) Get(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.vars[normalizeKey(key)]
	return e.value, ok
}

// Set записывает значение. Пустой ключ не допускается.
func (v *Variables) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyVariableKey()
	}
	v.mu.Lock()
	v.vars[normalizeKey(key)] = variable{key: key, value: value}
	v.mu.Unlock()
	return nil
}

// Unset удаляет ключ, если он есть
func (v *Variables) Unset(key string) bool {
	k := normalizeKey(key)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.vars[k]; !ok {
		return false
	}
	delete(v.vars, k)
	return true
}

// Len количество переменных
func (v *Variables) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vars)
}

// Range обходит переменные в порядке ключей на снимке хранилища.
// fn вызывается без блокировки и может писать в то же хранилище.
func (v *Variables) Range(fn func(key, value string) bool) {
	snapshot := v.snapshot()
	for _, e := range snapshot {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// All возвращает копию всех переменных
func (v *Variables) All() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.vars))
	for _, e := range v.vars {
		out[e.key] = e.value
	}
	return out
}

func (v *Variables) snapshot() []variable {
	v.mu.RLock()
	out := make([]variable, 0, len(v.vars))
	for _, e := range v.vars {
		out = append(out, e)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return normalizeKey(out[i].key) < normalizeKey(out[j].key)
	})
	return out
}
