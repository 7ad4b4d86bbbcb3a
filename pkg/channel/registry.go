package channel

import (
	"hash/fnv"
	"sync"
)

// ShardCount количество шардов реестра, должно быть степенью 2
const ShardCount = 32

type registryShard struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

type shardedIndex struct {
	shards [ShardCount]*registryShard
}

func newShardedIndex() *shardedIndex {
	idx := &shardedIndex{}
	for i := range idx.shards {
		idx.shards[i] = &registryShard{channels: make(map[string]*Channel)}
	}
	return idx
}

func (idx *shardedIndex) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return idx.shards[h.Sum32()&(ShardCount-1)]
}

func (idx *shardedIndex) set(key string, ch *Channel) bool {
	s := idx.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[key]; exists {
		return false
	}
	s.channels[key] = ch
	return true
}

func (idx *shardedIndex) get(key string) (*Channel, bool) {
	s := idx.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[key]
	return ch, ok
}

// deleteIf удаляет ключ, только если он указывает на ch
func (idx *shardedIndex) deleteIf(key string, ch *Channel) bool {
	s := idx.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.channels[key]; ok && cur == ch {
		delete(s.channels, key)
		return true
	}
	return false
}

func (idx *shardedIndex) count() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		n += len(s.channels)
		s.mu.RUnlock()
	}
	return n
}

// Registry реестр живых каналов по UUID с дополнительным индексом
// по внешним ключам (например, Call-ID SIP).
// Создается явно и передается компонентам, глобального реестра нет.
type Registry struct {
	byUUID  *shardedIndex
	byAlias *shardedIndex

	aliasMu sync.Mutex
	aliases map[*Channel][]string

	reaper *StateHandlerTable
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	r := &Registry{
		byUUID:  newShardedIndex(),
		byAlias: newShardedIndex(),
		aliases: make(map[*Channel][]string),
	}
	r.reaper = NewStateHandlerTable("registry-reaper").On(StateDestroyed, func(ch *Channel) error {
		r.Remove(ch)
		return nil
	})
	return r
}

// Add регистрирует канал. false, если UUID уже занят.
func (r *Registry) Add(ch *Channel) bool {
	return r.byUUID.set(ch.UUID(), ch)
}

// Get ищет канал по UUID
func (r *Registry) Get(uuid string) (*Channel, bool) {
	return r.byUUID.get(uuid)
}

// Alias связывает внешний ключ с каналом. false, если ключ уже занят.
func (r *Registry) Alias(key string, ch *Channel) bool {
	if !r.byAlias.set(key, ch) {
		return false
	}
	r.aliasMu.Lock()
	r.aliases[ch] = append(r.aliases[ch], key)
	r.aliasMu.Unlock()
	return true
}

// Lookup ищет канал по внешнему ключу
func (r *Registry) Lookup(key string) (*Channel, bool) {
	return r.byAlias.get(key)
}

// Remove удаляет канал и все его внешние ключи
func (r *Registry) Remove(ch *Channel) bool {
	removed := r.byUUID.deleteIf(ch.UUID(), ch)

	r.aliasMu.Lock()
	keys := r.aliases[ch]
	delete(r.aliases, ch)
	r.aliasMu.Unlock()

	for _, k := range keys {
		r.byAlias.deleteIf(k, ch)
	}
	return removed
}

// Count количество зарегистрированных каналов
func (r *Registry) Count() int {
	return r.byUUID.count()
}

// ForEach обходит каналы на снимке реестра, fn вызывается без блокировок
func (r *Registry) ForEach(fn func(ch *Channel)) {
	var all []*Channel
	for _, s := range r.byUUID.shards {
		s.mu.RLock()
		for _, ch := range s.channels {
			all = append(all, ch)
		}
		s.mu.RUnlock()
	}
	for _, ch := range all {
		fn(ch)
	}
}

// ShardStats распределение каналов по шардам
func (r *Registry) ShardStats() map[int]int {
	stats := make(map[int]int, ShardCount)
	for i, s := range r.byUUID.shards {
		s.mu.RLock()
		stats[i] = len(s.channels)
		s.mu.RUnlock()
	}
	return stats
}

// ReapHandler таблица, удаляющая канал из реестра при переходе в DESTROYED
func (r *Registry) ReapHandler() *StateHandlerTable {
	return r.reaper
}
