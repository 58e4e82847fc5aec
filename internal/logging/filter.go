package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters records by the "component" attribute.
// Components without an override use the default level. Overrides can be
// changed at runtime; every handler derived via WithAttrs/WithGroup shares
// the same override table.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levelTable
	component string // set once a "component" attr is attached via WithAttrs
}

type levelTable struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

// NewComponentFilterHandler wraps next. A nil next discards records.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	if next == nil {
		next = discardHandler{}
	}
	return &ComponentFilterHandler{
		next: next,
		levels: &levelTable{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes the override for component.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	if l, ok := h.levels.overrides[component]; ok {
		return l
	}
	return h.levels.def
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

// minLevel is the lowest level any component may log at. Enabled has no
// access to record attributes, so it admits anything that could pass.
func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	if h.component != "" {
		if l, ok := h.levels.overrides[h.component]; ok {
			return l
		}
		return h.levels.def
	}
	lowest := h.levels.def
	for _, l := range h.levels.overrides {
		if l < lowest {
			lowest = l
		}
	}
	return lowest
}

func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel() && h.next.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		next:      h.next.WithAttrs(attrs),
		levels:    h.levels,
		component: component,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:      h.next.WithGroup(name),
		levels:    h.levels,
		component: h.component,
	}
}
