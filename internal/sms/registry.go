package sms

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Settings carries what a factory may need to build a provider.
type Settings struct {
	URL         string
	APIKey      string
	PartnerID   string
	SenderID    string
	SuccessCode string
	CountryCode string
	Timeout     time.Duration
	MockDelay   time.Duration
}

type Factory func(Settings) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the mock and the Advanta gateway.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("mock", func(s Settings) (Provider, error) {
		return NewMock(s.MockDelay), nil
	})
	r.Register("advanta", func(s Settings) (Provider, error) {
		cfg := AdvantaDefaults()
		cfg.APIKey = s.APIKey
		cfg.PartnerID = s.PartnerID
		cfg.SenderID = s.SenderID
		if s.URL != "" {
			cfg.URL = s.URL
		}
		if s.SuccessCode != "" {
			cfg.SuccessCode = s.SuccessCode
		}
		if s.CountryCode != "" {
			cfg.CountryCode = s.CountryCode
		}
		if s.Timeout > 0 {
			cfg.Timeout = s.Timeout
		}
		return NewGateway(cfg)
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider. An empty or unregistered name yields the
// mock; unregistered names are logged so a typo does not go unnoticed.
// Only a registered provider's own construction can fail.
func (r *Registry) New(name string, s Settings) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		if name != "" {
			log.Printf("[sms] WARNING: unknown SMS provider %q (known: %v), falling back to mock", name, r.Names())
		}
		return NewMock(s.MockDelay), nil
	}
	return f(s)
}
