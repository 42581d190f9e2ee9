package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/hookq/hookq/internal/domain"
)

// Handler is a callback bound to an action. The payload is the serialised
// argument tuple the action was triggered with; for instant handlers it is
// the same bytes that would have been persisted.
type Handler func(ctx context.Context, args json.RawMessage) error

// closurePattern matches the synthetic names the runtime assigns to
// function literals, e.g. "pkg.Setup.func2" or "pkg.init.func1.2".
var closurePattern = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// KeyFor derives the callback key for h: the fully-qualified function
// name, with the "-fm" suffix of bound method values stripped. Keys of
// named functions and methods are stable across process restarts; keys of
// function literals are not, which is why deferring a closure requires
// RegisterClosure.
func KeyFor(h Handler) string {
	pc := reflect.ValueOf(h).Pointer()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	return strings.TrimSuffix(fn.Name(), "-fm")
}

// IsClosureKey reports whether key names a function literal.
func IsClosureKey(key string) bool {
	return closurePattern.MatchString(key)
}

// Entry is one registered handler under an action.
type Entry struct {
	Key         string
	Priority    int
	Handler     Handler
	ClosureName string // non-empty when the handler is a registered closure
}

// Group is the ordered set of handlers sharing one priority.
type Group struct {
	Priority int
	Entries  []Entry
}

// Registry maps action × priority to ordered handlers, split into an
// instant side (run synchronously on trigger) and a deferred side
// (persisted as jobs). Populated during bootstrap, read-only afterwards;
// the lock exists for the odd late registration, not steady-state traffic.
type Registry struct {
	mu           sync.RWMutex
	instant      map[string]map[int][]Entry
	deferred     map[string]map[int][]Entry
	closures     map[string]Handler
	closureNames map[uintptr]string
}

func New() *Registry {
	return &Registry{
		instant:      make(map[string]map[int][]Entry),
		deferred:     make(map[string]map[int][]Entry),
		closures:     make(map[string]Handler),
		closureNames: make(map[uintptr]string),
	}
}

// RegisterClosure gives a function literal a stable name so it can be
// serialised into a job payload and rebound in a later process. The same
// name must be registered again at startup of the process that executes
// the job.
func (r *Registry) RegisterClosure(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closures[name] = h
	r.closureNames[reflect.ValueOf(h).Pointer()] = name
}

// ResolveClosure returns the handler registered under name.
func (r *Registry) ResolveClosure(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.closures[name]
	return h, ok
}

// ClosureName returns the registered name for h, if any.
func (r *Registry) ClosureName(h Handler) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.closureNames[reflect.ValueOf(h).Pointer()]
	return name, ok
}

// Register binds h to action at the given priority. Priority is clamped
// to [1,255]. A handler with the same (action, priority, key) replaces
// the earlier registration in place. Returns the callback key.
func (r *Registry) Register(action string, h Handler, priority int, instant bool) (string, error) {
	if len(action) > domain.MaxActionLen {
		return "", domain.ErrActionNameTooLong
	}
	priority = domain.ClampPriority(priority)

	key := KeyFor(h)
	entry := Entry{Key: key, Priority: priority, Handler: h}
	if IsClosureKey(key) {
		if name, ok := r.ClosureName(h); ok {
			entry.ClosureName = name
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	side := r.deferred
	if instant {
		side = r.instant
	}
	byPriority, ok := side[action]
	if !ok {
		byPriority = make(map[int][]Entry)
		side[action] = byPriority
	}
	entries := byPriority[priority]
	for i := range entries {
		if entries[i].Key == key {
			entries[i] = entry
			return key, nil
		}
	}
	byPriority[priority] = append(entries, entry)
	return key, nil
}

// Lookup returns the live deferred handler registered under key for this
// action, searching all priorities. Used by the worker to rebind a
// persisted callback key.
func (r *Registry) Lookup(action, key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, side := range []map[string]map[int][]Entry{r.deferred, r.instant} {
		for _, entries := range side[action] {
			for _, e := range entries {
				if e.Key == key {
					return e.Handler, true
				}
			}
		}
	}
	return nil, false
}

// InstantGroups returns the instant handlers for action grouped by
// priority, ascending: numerically lower priority runs first.
func (r *Registry) InstantGroups(action string) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return groups(r.instant[action])
}

// DeferredGroups returns the deferred handlers for action grouped by
// priority, ascending.
func (r *Registry) DeferredGroups(action string) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return groups(r.deferred[action])
}

func groups(byPriority map[int][]Entry) []Group {
	if len(byPriority) == 0 {
		return nil
	}
	out := make([]Group, 0, len(byPriority))
	for p, entries := range byPriority {
		out = append(out, Group{Priority: p, Entries: append([]Entry(nil), entries...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
