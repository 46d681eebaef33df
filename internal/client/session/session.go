package session

import "sync"

// Credentials is the identity the sync engine acts under.
type Credentials struct {
	Token  string
	UserID string
}

// Valid reports whether the credentials identify a signed-in user.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.UserID != ""
}

// Provider holds the current session credentials and notifies watchers on
// every change. It is the single shared mutable input the channel and the
// remote calls depend on; a token change drives a full disconnect and
// resubscribe cycle downstream.
type Provider struct {
	mu       sync.Mutex
	creds    Credentials
	watchers map[int]func(Credentials)
	nextID   int
}

// NewProvider constructs an empty session provider.
func NewProvider() *Provider {
	return &Provider{watchers: make(map[int]func(Credentials))}
}

// Current returns the current credentials.
func (p *Provider) Current() Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds
}

// Set replaces the credentials and notifies watchers when they changed.
// Logout is Set(Credentials{}).
func (p *Provider) Set(creds Credentials) {
	p.mu.Lock()
	if p.creds == creds {
		p.mu.Unlock()
		return
	}
	p.creds = creds
	watchers := make([]func(Credentials), 0, len(p.watchers))
	for _, watcher := range p.watchers {
		watchers = append(watchers, watcher)
	}
	p.mu.Unlock()

	for _, watcher := range watchers {
		watcher(creds)
	}
}

// Watch registers a change callback and returns a cancel function.
func (p *Provider) Watch(fn func(Credentials)) func() {
	if fn == nil {
		return func() {}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watchers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}
