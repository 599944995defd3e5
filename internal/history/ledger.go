// Package history maintains the per-project run ledger (history.json).
package history

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/makeasinger/rhythmdeck/internal/model"
	"github.com/makeasinger/rhythmdeck/internal/store"
)

// FileName is the ledger document inside each project directory.
const FileName = "history.json"

// Ledger reads and rewrites project histories. Mutations on the same project
// are serialized; every mutation rewrites the whole file atomically.
type Ledger struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sync.Mutex
	refs int
}

// NewLedger creates a Ledger.
func NewLedger() *Ledger {
	return &Ledger{locks: make(map[string]*projectLock)}
}

// lock serializes access to projectDir. Entries are dropped once no caller
// holds or waits on them.
func (l *Ledger) lock(projectDir string) func() {
	key := filepath.Clean(projectDir)
	l.mu.Lock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &projectLock{}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func repo(projectDir string) *store.FileRepository {
	return store.NewFileRepository(projectDir)
}

// Read returns the project's entries in insertion order. A missing or
// corrupt ledger reads as empty.
func (l *Ledger) Read(projectDir string) []model.HistoryEntry {
	entries, err := load(projectDir)
	if err != nil {
		log.Printf("Ignoring unreadable history in %s: %v", projectDir, err)
		return []model.HistoryEntry{}
	}
	return entries
}

// Append adds entry at the end of the project's ledger.
func (l *Ledger) Append(projectDir string, entry model.HistoryEntry) error {
	return l.mutate(projectDir, func(entries []model.HistoryEntry) []model.HistoryEntry {
		return append(entries, entry)
	})
}

// RenameFile points entries that reference oldName at newName.
func (l *Ledger) RenameFile(projectDir, oldName, newName string) error {
	return l.mutate(projectDir, func(entries []model.HistoryEntry) []model.HistoryEntry {
		for i := range entries {
			if entries[i].File == oldName {
				entries[i].File = newName
			}
		}
		return entries
	})
}

// DropFile removes entries that reference name.
func (l *Ledger) DropFile(projectDir, name string) error {
	return l.mutate(projectDir, func(entries []model.HistoryEntry) []model.HistoryEntry {
		return filter(entries, func(e model.HistoryEntry) bool { return e.File != name })
	})
}

// Prune removes entries whose referenced file no longer exists. It never
// creates a ledger or a project directory, and leaves unreadable or
// unchanged ledgers alone.
func (l *Ledger) Prune(projectDir string) error {
	unlock := l.lock(projectDir)
	defer unlock()

	var entries []model.HistoryEntry
	found, err := repo(projectDir).Load(FileName, &entries)
	if err != nil {
		log.Printf("Skipping prune of unreadable history in %s: %v", projectDir, err)
		return nil
	}
	if !found {
		return nil
	}

	kept := filter(append([]model.HistoryEntry(nil), entries...), func(e model.HistoryEntry) bool {
		if e.File == "" {
			return false
		}
		_, err := os.Stat(filepath.Join(projectDir, filepath.Base(e.File)))
		return err == nil
	})
	if len(kept) == len(entries) {
		return nil
	}

	if err := repo(projectDir).Replace(FileName, kept); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func (l *Ledger) mutate(projectDir string, fn func([]model.HistoryEntry) []model.HistoryEntry) error {
	unlock := l.lock(projectDir)
	defer unlock()

	entries, err := load(projectDir)
	if err != nil {
		// A corrupt ledger is replaced rather than blocking new runs.
		log.Printf("Rewriting unreadable history in %s: %v", projectDir, err)
		entries = []model.HistoryEntry{}
	}
	entries = fn(entries)
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	if err := repo(projectDir).Save(FileName, entries); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func load(projectDir string) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	found, err := repo(projectDir).Load(FileName, &entries)
	if err != nil {
		return nil, err
	}
	if !found || entries == nil {
		return []model.HistoryEntry{}, nil
	}
	return entries, nil
}

func filter(entries []model.HistoryEntry, keep func(model.HistoryEntry) bool) []model.HistoryEntry {
	out := entries[:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
