package tflib

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/telefiles/telefiles/pkg/logger"
)

// RemovalObserver is notified with the batch of automations removed by a
// reconcile. Observers purge their own derived state (waiting queues, scan
// threads, strategy caches).
type RemovalObserver func(removed []*Automation)

// Registry is the process-wide table of automation rules. It is constructed
// explicitly and shared by reference; there is no package-level instance.
type Registry struct {
	log logger.Logger

	mu          sync.RWMutex
	automations map[Key]*Automation
	observers   []RemovalObserver
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Registry{
		log:         log,
		automations: make(map[Key]*Automation),
	}
}

// OnRemove registers an observer invoked after automations are removed by
// Reconcile. Observers are called outside the registry lock.
func (r *Registry) OnRemove(obs RemovalObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Load seeds the registry from the settings store. Automations whose account
// session is not authorized are skipped with a warning; they come back on the
// next reconcile once the account is available. A store read failure leaves
// the in-memory state untouched.
func (r *Registry) Load(ctx context.Context, settings SettingStore, authorized func(accountID int64) bool) error {
	raw, err := settings.GetByKey(ctx, SettingKeyAutomations)
	if err != nil {
		r.log.Error("Load automations failed: %v", err)
		return fmt.Errorf("load automations: %w", err)
	}
	if raw == "" {
		return nil
	}
	var set AutomationSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		r.log.Error("Decode automations failed: %v", err)
		return fmt.Errorf("decode automations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range set.Automations {
		if authorized != nil && !authorized(a.AccountID) {
			r.log.Warning("Skip automation %s: account not authorized", a.Key())
			continue
		}
		r.automations[a.Key()] = a.clone()
	}
	return nil
}

// Reconcile applies a new desired set. New automations are added with fresh
// cursors (unauthorized accounts rejected with a warning), existing ones keep
// their cursors and flags while enabled/rule fields are merged, and
// automations absent from the set are removed, notifying removal observers.
func (r *Registry) Reconcile(set *AutomationSet, authorized func(accountID int64) bool) {
	var removed []*Automation
	var observers []RemovalObserver

	r.mu.Lock()
	for _, in := range set.Automations {
		key := in.Key()
		if existing, ok := r.automations[key]; ok {
			existing.merge(in)
			r.log.Info("Update automation: %s", key)
			continue
		}
		if authorized != nil && !authorized(in.AccountID) {
			r.log.Warning("Add automation %s rejected: account not authorized", key)
			continue
		}
		r.automations[key] = in.clone()
		r.log.Info("Add automation: %s", key)
	}
	for key, a := range r.automations {
		if set.Exists(a.AccountID, a.ChatID) {
			continue
		}
		delete(r.automations, key)
		removed = append(removed, a)
		r.log.Info("Remove automation: %s", key)
	}
	observers = append(observers, r.observers...)
	r.mu.Unlock()

	if len(removed) > 0 {
		for _, obs := range observers {
			obs(removed)
		}
	}
}

// Save persists the current in-memory set.
func (r *Registry) Save(ctx context.Context, settings SettingStore) error {
	raw, err := json.Marshal(&AutomationSet{Automations: r.snapshot(nil)})
	if err != nil {
		return fmt.Errorf("encode automations: %w", err)
	}
	if err := settings.CreateOrUpdate(ctx, SettingKeyAutomations, string(raw)); err != nil {
		r.log.Error("Save automations failed: %v", err)
		return fmt.Errorf("save automations: %w", err)
	}
	return nil
}

// Get returns a copy of the automation with the given identity.
func (r *Registry) Get(accountID, chatID int64) (*Automation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.automations[Key{AccountID: accountID, ChatID: chatID}]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Exists reports whether the identity is registered.
func (r *Registry) Exists(accountID, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.automations[Key{AccountID: accountID, ChatID: chatID}]
	return ok
}

// update applies fn to the stored automation under the write lock. Scheduler
// tasks use it to advance cursors and completion flags.
func (r *Registry) update(key Key, fn func(a *Automation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.automations[key]; ok {
		fn(a)
	}
}

// snapshot returns copies of automations matching the filter (nil matches all).
func (r *Registry) snapshot(match func(a *Automation) bool) []*Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Automation, 0, len(r.automations))
	for _, a := range r.automations {
		if match != nil && !match(a) {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// All returns copies of every registered automation.
func (r *Registry) All() []*Automation {
	return r.snapshot(nil)
}

// ByAccount returns copies of the account's automations.
func (r *Registry) ByAccount(accountID int64) []*Automation {
	return r.snapshot(func(a *Automation) bool { return a.AccountID == accountID })
}

// PreloadEnabled returns automations with metadata preload switched on.
func (r *Registry) PreloadEnabled() []*Automation {
	return r.snapshot(func(a *Automation) bool { return a.Preload.Enabled })
}

// DownloadEnabled returns automations with auto-download switched on.
func (r *Registry) DownloadEnabled() []*Automation {
	return r.snapshot(func(a *Automation) bool { return a.Download.Enabled })
}

// TransferEnabled returns automations with transfer switched on.
func (r *Registry) TransferEnabled() []*Automation {
	return r.snapshot(func(a *Automation) bool { return a.Transfer.Enabled })
}
