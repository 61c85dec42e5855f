package botfleet

import "sync"

// Registry routes bot ids and webhook tokens to live transports. After a
// failover the dead bot's id stays mapped to its replacement, so
// deposits created under the old identity still deliver.
type Registry struct {
	mu      sync.RWMutex
	byID    map[int64]Transport
	byToken map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[int64]Transport),
		byToken: make(map[string]Transport),
	}
}

// Register maps the transport's own id and token.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.BotID()] = t
	r.byToken[t.Token()] = t
}

// Alias points an old bot id at a replacement transport.
func (r *Registry) Alias(oldID int64, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[oldID] = t
}

// RemoveToken drops a webhook route. Telegram keeps posting to a dead
// bot's path for a while; those posts must 404, not reach the new bot.
func (r *Registry) RemoveToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byToken, token)
}

// ByID resolves the live transport for a bot id, following aliases.
func (r *Registry) ByID(botID int64) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[botID]
	return t, ok
}

// ByToken resolves the transport owning a webhook token.
func (r *Registry) ByToken(token string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byToken[token]
	return t, ok
}

// Any returns one live transport, if there is one. Used for admin
// alerts, which care about reachability, not identity.
func (r *Registry) Any() (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.byToken {
		return t, true
	}
	return nil, false
}

// All returns the distinct live transports.
func (r *Registry) All() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transport, 0, len(r.byToken))
	for _, t := range r.byToken {
		out = append(out, t)
	}
	return out
}
