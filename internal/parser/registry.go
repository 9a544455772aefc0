package parser

import (
	"fmt"
	"sync"
)

// Registry holds the parsers available to one process. It is constructed
// explicitly and passed to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// Register adds p. Earlier registrations win confidence ties.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
}

// Lookup returns the parser registered under name.
func (r *Registry) Lookup(name string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Names lists registered parser names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}

// Select probes every parser and returns the most confident one. A probe
// error only disqualifies that parser. When nothing reports a positive
// confidence the result is a *NoParserError.
func (r *Registry) Select(path string) (Parser, float64, error) {
	r.mu.RLock()
	parsers := append([]Parser(nil), r.parsers...)
	r.mu.RUnlock()

	var best Parser
	var bestScore float64
	var probeErrs []string
	for _, p := range parsers {
		score, err := p.CanParse(path)
		if err != nil {
			probeErrs = append(probeErrs, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, 0, &NoParserError{Path: path, Probe: probeErrs}
	}
	return best, bestScore, nil
}
