package config

import (
	"strings"
	"sync"
)

// Credentials holds backend API keys that can be replaced while the
// process is running. Clients read the current key every time they dial.
type Credentials struct {
	mu         sync.RWMutex
	murf       string
	assemblyAI string
	deepgram   string
	gemini     string
	tavily     string
}

// KeyUpdate carries replacement keys; empty fields leave the current key untouched.
type KeyUpdate struct {
	Murf       string `json:"murf"`
	AssemblyAI string `json:"assemblyai"`
	Deepgram   string `json:"deepgram"`
	Gemini     string `json:"gemini"`
	Tavily     string `json:"tavily"`
}

// NewCredentials seeds the key store from the loaded configuration
func NewCredentials(cfg *Config) *Credentials {
	return &Credentials{
		murf:       cfg.MurfAPIKey,
		assemblyAI: cfg.AssemblyAIAPIKey,
		deepgram:   cfg.DeepgramAPIKey,
		gemini:     cfg.GeminiAPIKey,
		tavily:     cfg.TavilyAPIKey,
	}
}

// Update applies the non-empty keys and returns the names of the keys it changed
func (c *Credentials) Update(u KeyUpdate) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	set := func(name string, dst *string, v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == *dst {
			return
		}
		*dst = v
		changed = append(changed, name)
	}
	set("murf", &c.murf, u.Murf)
	set("assemblyai", &c.assemblyAI, u.AssemblyAI)
	set("deepgram", &c.deepgram, u.Deepgram)
	set("gemini", &c.gemini, u.Gemini)
	set("tavily", &c.tavily, u.Tavily)
	return changed
}

func (c *Credentials) Murf() string       { return c.get(&c.murf) }
func (c *Credentials) AssemblyAI() string { return c.get(&c.assemblyAI) }
func (c *Credentials) Deepgram() string   { return c.get(&c.deepgram) }
func (c *Credentials) Gemini() string     { return c.get(&c.gemini) }
func (c *Credentials) Tavily() string     { return c.get(&c.tavily) }

func (c *Credentials) get(field *string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *field
}
