package features

import (
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// Toggles are the configured on/off switches of the loyalty module.
type Toggles struct {
	ModuleEnabled  bool
	PurchaseExport bool
	ReturnExport   bool
	ReviewExport   bool
	FreeShipping   bool
}

// NewManagerFromToggles registers every loyalty flag from configuration.
func NewManagerFromToggles(t Toggles) *Manager {
	m := NewManager()
	m.Register(FeatureModuleEnabled, t.ModuleEnabled, "Master switch for all loyalty features")
	m.Register(FeaturePurchaseExport, t.PurchaseExport, "Export completed orders as Purchase events")
	m.Register(FeatureReturnExport, t.ReturnExport, "Export credit memos as Return events")
	m.Register(FeatureReviewExport, t.ReviewExport, "Export approved reviews as Review events")
	m.Register(FeatureFreeShipping, t.FreeShipping, "Grant free shipping to qualifying tiers")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enabled reports whether the module switch and every named flag are on.
func (m *Manager) Enabled(names ...string) bool {
	if !m.IsEnabled(FeatureModuleEnabled) {
		return false
	}
	for _, name := range names {
		if !m.IsEnabled(name) {
			return false
		}
	}
	return true
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = true
	}
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = false
	}
}

// GetAll returns a copy of all feature flags.
func (m *Manager) GetAll() map[string]*FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*FeatureFlag)
	for k, v := range m.flags {
		result[k] = &FeatureFlag{
			Name:        v.Name,
			Enabled:     v.Enabled,
			Description: v.Description,
		}
	}
	return result
}

const (
	FeatureModuleEnabled  = "module_enabled"
	FeaturePurchaseExport = "purchase_export"
	FeatureReturnExport   = "return_export"
	FeatureReviewExport   = "review_export"
	FeatureFreeShipping   = "free_shipping"
)
