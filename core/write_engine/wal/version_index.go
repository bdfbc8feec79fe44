package wal

import (
	"fmt"
	"sort"
	"sync"

	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// Version is one physical copy of a page in the log file.
type Version struct {
	Version  uint32 // commit version of the transaction that wrote it
	Position int64  // byte offset in the log file
}

// VersionIndex maps a page to the log positions of its versions, ordered by
// commit version. Concurrent RecordVersion/Resolve calls are safe;
// Checkpoint takes the index exclusively.
//
// Commit versions are handed out in confirm order, which is also the order
// of the confirming pages in the log, so RestoreIndex numbers a log the same
// way the live index did.
type VersionIndex struct {
	mu               sync.RWMutex
	pages            map[pagemanager.PageID][]Version
	lastVersion      uint32 // newest published commit version
	lastCheckpointed uint32 // versions below this were folded already
}

func NewVersionIndex() *VersionIndex {
	return &VersionIndex{pages: make(map[pagemanager.PageID][]Version)}
}

// RecordVersion adds a version of pageID written by transaction version at
// position. A position already used by another version of the same page is
// corruption and returns ErrDuplicateWalPosition. Recording the same version
// twice moves it to the new position.
func (vi *VersionIndex) RecordVersion(pageID pagemanager.PageID, version uint32, position int64) error {
	if position < 0 || position%pagemanager.PageSize != 0 {
		return fmt.Errorf("%w: %d", flushmanager.ErrMisalignedPosition, position)
	}

	vi.mu.Lock()
	defer vi.mu.Unlock()
	if err := vi.checkLocked(pageID, version, position); err != nil {
		return err
	}
	vi.insertLocked(pageID, version, position)
	if version > vi.lastVersion {
		vi.lastVersion = version
	}
	return nil
}

// publish records every page under the next commit version and returns it.
// Nothing is recorded when any page would collide.
func (vi *VersionIndex) publish(pages []pendingPage) (uint32, error) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	version := vi.lastVersion + 1
	for _, p := range pages {
		if p.position < 0 || p.position%pagemanager.PageSize != 0 {
			return 0, fmt.Errorf("%w: %d", flushmanager.ErrMisalignedPosition, p.position)
		}
		if err := vi.checkLocked(p.pageID, version, p.position); err != nil {
			return 0, err
		}
	}
	for _, p := range pages {
		vi.insertLocked(p.pageID, version, p.position)
	}
	vi.lastVersion = version
	return version, nil
}

// skipVersion consumes a commit version without indexing anything, for a
// transaction already folded into the data file.
func (vi *VersionIndex) skipVersion() {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.lastVersion++
}

func (vi *VersionIndex) checkLocked(pageID pagemanager.PageID, version uint32, position int64) error {
	for _, v := range vi.pages[pageID] {
		if v.Position == position && v.Version != version {
			return fmt.Errorf("%w: page %d position %d already holds version %d",
				flushmanager.ErrDuplicateWalPosition, pageID, position, v.Version)
		}
	}
	return nil
}

func (vi *VersionIndex) insertLocked(pageID pagemanager.PageID, version uint32, position int64) {
	versions := vi.pages[pageID]
	i := firstAtOrAbove(versions, version)
	if i < len(versions) && versions[i].Version == version {
		versions[i].Position = position
		return
	}
	versions = append(versions, Version{})
	copy(versions[i+1:], versions[i:])
	versions[i] = Version{Version: version, Position: position}
	vi.pages[pageID] = versions
}

// Resolve returns the position of the newest version of pageID with a
// commit version <= maxVisible. ok is false when no such version exists and
// the caller must read the data file instead.
func (vi *VersionIndex) Resolve(pageID pagemanager.PageID, maxVisible uint32) (position int64, ok bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()

	versions := vi.pages[pageID]
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version > maxVisible })
	if i == 0 {
		return 0, false
	}
	return versions[i-1].Position, true
}

// VersionAt returns the version stored at position for pageID.
func (vi *VersionIndex) VersionAt(pageID pagemanager.PageID, position int64) (uint32, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	for _, v := range vi.pages[pageID] {
		if v.Position == position {
			return v.Version, true
		}
	}
	return 0, false
}

// Versions returns a copy of the versions recorded for pageID, oldest first.
func (vi *VersionIndex) Versions(pageID pagemanager.PageID) []Version {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return append([]Version(nil), vi.pages[pageID]...)
}

// Len returns the number of pages with at least one version.
func (vi *VersionIndex) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.pages)
}

// LastVersion returns the newest published commit version.
func (vi *VersionIndex) LastVersion() uint32 {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.lastVersion
}

// LastCheckpointed returns the checkpoint watermark.
func (vi *VersionIndex) LastCheckpointed() uint32 {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.lastCheckpointed
}

// Clear drops every entry, the version counter and the watermark.
func (vi *VersionIndex) Clear() {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.pages = make(map[pagemanager.PageID][]Version)
	vi.lastVersion = 0
	vi.lastCheckpointed = 0
}
