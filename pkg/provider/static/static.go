// Package static is a deterministic in-memory invoker for tests and dry
// runs: every participant answers from a fixed script.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/roundtable-labs/roundtable/core/pkg/roundtable"
)

// Answer is one scripted reply.
type Answer struct {
	Text       string
	Confidence float64
	Err        error
}

// Invoker replies from a per-participant script, falling back to a default
// answer keyed by provider, then to a shared default.
type Invoker struct {
	mu          sync.Mutex
	byID        map[string]Answer
	byProvider  map[string]Answer
	defaultAns  *Answer
	invocations []string
}

// New creates an empty scripted invoker.
func New() *Invoker {
	return &Invoker{
		byID:       make(map[string]Answer),
		byProvider: make(map[string]Answer),
	}
}

// Script fixes the reply for one participant id.
func (i *Invoker) Script(participantID string, a Answer) *Invoker {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byID[participantID] = a
	return i
}

// ScriptProvider fixes the reply for every participant of a provider family.
func (i *Invoker) ScriptProvider(provider string, a Answer) *Invoker {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byProvider[provider] = a
	return i
}

// Default sets the reply used when nothing more specific is scripted.
func (i *Invoker) Default(a Answer) *Invoker {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.defaultAns = &a
	return i
}

// Invocations lists the participant ids called so far, in call order.
func (i *Invoker) Invocations() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.invocations...)
}

func (i *Invoker) Invoke(ctx context.Context, _ string, p roundtable.Participant) (roundtable.Response, error) {
	if err := ctx.Err(); err != nil {
		return roundtable.Response{}, err
	}

	i.mu.Lock()
	i.invocations = append(i.invocations, p.ID)
	a, ok := i.byID[p.ID]
	if !ok {
		a, ok = i.byProvider[p.Provider]
	}
	if !ok && i.defaultAns != nil {
		a, ok = *i.defaultAns, true
	}
	i.mu.Unlock()

	if !ok {
		return roundtable.Response{}, fmt.Errorf("static: no answer scripted for %s", p.ID)
	}
	if a.Err != nil {
		return roundtable.Response{}, a.Err
	}
	return roundtable.Response{Text: a.Text, Confidence: a.Confidence}, nil
}
