package storage

import (
	"errors"
	"log/slog"
	"path"
	"sync"
)

const journalDataType = "interceptions"

// JournalRegistry hands out one Journal per tab, grouped by the tab's URL
// path segment.
type JournalRegistry struct {
	baseDir      string
	maxSizeMB    int
	bufferSize   int
	previewBytes int

	// journals maps pathSegment -> browserID -> journal
	journals map[string]map[string]*Journal
	mu       sync.RWMutex
}

func NewJournalRegistry(baseDir string, bufferSize, maxSizeMB, previewBytes int) *JournalRegistry {
	return &JournalRegistry{
		baseDir:      baseDir,
		maxSizeMB:    maxSizeMB,
		bufferSize:   bufferSize,
		previewBytes: previewBytes,
		journals:     make(map[string]map[string]*Journal),
	}
}

// Get returns (or creates) the journal for a tab.
func (r *JournalRegistry) Get(pathSegment, browserID string) *Journal {
	r.mu.RLock()
	if byTab, ok := r.journals[pathSegment]; ok {
		if j, ok := byTab[browserID]; ok {
			r.mu.RUnlock()
			return j
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if byTab, ok := r.journals[pathSegment]; ok {
		if j, ok := byTab[browserID]; ok {
			return j
		}
	}
	if r.journals[pathSegment] == nil {
		r.journals[pathSegment] = make(map[string]*Journal)
	}

	w := NewJSONLWriter(r.baseDir, path.Join(pathSegment, journalDataType), browserID, r.bufferSize, r.maxSizeMB)
	j := NewJournal(w, r.previewBytes)
	r.journals[pathSegment][browserID] = j

	slog.Info("created interception journal",
		"path_segment", pathSegment,
		"browser_id", browserID)
	return j
}

// Dropped sums records dropped on full buffers across all journals.
func (r *JournalRegistry) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, byTab := range r.journals {
		for _, j := range byTab {
			n += j.w.Dropped()
		}
	}
	return n
}

// Close closes every journal.
func (r *JournalRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for pathSeg, byTab := range r.journals {
		for browserID, j := range byTab {
			if err := j.Close(); err != nil {
				slog.Error("failed to close journal",
					"path_segment", pathSeg,
					"browser_id", browserID,
					"error", err)
				errs = append(errs, err)
			}
		}
	}
	r.journals = make(map[string]map[string]*Journal)
	return errors.Join(errs...)
}
