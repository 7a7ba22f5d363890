// Package registry serves the accounts and models wakeup tasks may target.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hochfrequenz/wakeup-engine/internal/domain"
)

// fileFormat is the on-disk layout of the registry file
type fileFormat struct {
	Accounts []domain.Account `json:"accounts"`
	Models   []domain.Model   `json:"models"`
}

// FileRegistry reads accounts and models from a JSON file
type FileRegistry struct {
	path string

	mu       sync.RWMutex
	accounts []domain.Account
	models   []domain.Model
}

// NewFileRegistry loads path. A missing file yields an empty registry.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file location
func (r *FileRegistry) Path() string { return r.path }

// Reload re-reads the file. On error the previous contents stay in place.
func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.set(nil, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.path, err)
	}
	r.set(cleanAccounts(f.Accounts), cleanModels(f.Models))
	return nil
}

func (r *FileRegistry) set(accounts []domain.Account, models []domain.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = accounts
	r.models = models
}

// Accounts returns the known accounts in file order
func (r *FileRegistry) Accounts(context.Context) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Account(nil), r.accounts...), nil
}

// Models returns the known models in file order
func (r *FileRegistry) Models(context.Context) ([]domain.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Model(nil), r.models...), nil
}

// cleanAccounts drops entries without an id and repeated ids
func cleanAccounts(in []domain.Account) []domain.Account {
	seen := make(map[string]bool, len(in))
	out := make([]domain.Account, 0, len(in))
	for _, a := range in {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

func cleanModels(in []domain.Model) []domain.Model {
	seen := make(map[string]bool, len(in))
	out := make([]domain.Model, 0, len(in))
	for _, m := range in {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" || seen[m.ID] {
			continue
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
