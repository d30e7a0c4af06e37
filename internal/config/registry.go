package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/fluentia/pkg/provider/llm"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned when no factory is registered under
// the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Kind names one of the provider families a [Registry] holds.
type Kind string

const (
	KindLLM         Kind = "llm"
	KindSTT         Kind = "stt"
	KindTranscriber Kind = "transcriber"
)

// factories is the per-kind name to constructor table.
type factories[T any] struct {
	kind Kind
	byID map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind Kind) factories[T] {
	return factories[T]{kind: kind, byID: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(entry ProviderEntry, mu *sync.RWMutex) (T, error) {
	mu.RLock()
	factory, ok := f.byID[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names from the config file to constructors. A
// later registration under the same name replaces the earlier one. It is
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         factories[llm.Provider]
	stt         factories[stt.Provider]
	transcriber factories[stt.Transcriber]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:         newFactories[llm.Provider](KindLLM),
		stt:         newFactories[stt.Provider](KindSTT),
		transcriber: newFactories[stt.Transcriber](KindTranscriber),
	}
}

func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byID[name] = factory
}

// RegisterSTT registers a streaming recognizer.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byID[name] = factory
}

// RegisterTranscriber registers a batch recognizer.
func (r *Registry) RegisterTranscriber(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber.byID[name] = factory
}

func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry, &r.mu)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry, &r.mu)
}

func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	return r.transcriber.create(entry, &r.mu)
}

// Names returns the sorted names registered for kind.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindLLM:
		return slices.Sorted(maps.Keys(r.llm.byID))
	case KindSTT:
		return slices.Sorted(maps.Keys(r.stt.byID))
	case KindTranscriber:
		return slices.Sorted(maps.Keys(r.transcriber.byID))
	}
	return nil
}
