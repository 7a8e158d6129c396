// Package update implements the A/B/C slot deployment scheme: release
// checking, launching the standalone update runner, and the runner's
// own engine (bootstrap streaming, health checks, rollback). Deployed
// releases live under ~/mcapp-slots/slot-{0..2} with a `current`
// symlink selecting the active one; swapping the symlink is the whole
// activation step, which makes rollback a symlink swap too.
package update

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// slotCount is fixed by the deployment layout.
const slotCount = 3

// Runner operation modes.
const (
	ModeUpdate   = "update"
	ModeRollback = "rollback"
)

// -------------------------------------------------------------------------
// Metadata
// -------------------------------------------------------------------------

// SlotMeta describes one deployment slot.
type SlotMeta struct {
	Slot       int    `json:"slot"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	DeployedAt string `json:"deployed_at"`
}

// SlotInfo is the full slot overview served to the frontend.
type SlotInfo struct {
	Slots          []SlotMeta `json:"slots"`
	ActiveSlot     *int       `json:"active_slot"`
	CanRollback    bool       `json:"can_rollback"`
	RollbackTarget *int       `json:"rollback_target"`
}

// -------------------------------------------------------------------------
// Layout
// -------------------------------------------------------------------------

// Slots is the on-disk slot layout rooted at <home>/mcapp-slots.
type Slots struct {
	Dir string
}

// NewSlots returns the slot layout for a home directory.
func NewSlots(home string) *Slots {
	return &Slots{Dir: filepath.Join(home, "mcapp-slots")}
}

// SlotDir returns the directory of slot i.
func (s *Slots) SlotDir(i int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("slot-%d", i))
}

// MetaDir returns the metadata directory.
func (s *Slots) MetaDir() string {
	return filepath.Join(s.Dir, "meta")
}

// EnsureLayout creates the slot and metadata directories.
func (s *Slots) EnsureLayout() error {
	if err := os.MkdirAll(s.MetaDir(), 0o755); err != nil {
		return err
	}
	for i := 0; i < slotCount; i++ {
		if err := os.MkdirAll(s.SlotDir(i), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Meta reads the metadata of slot i. A missing file reads as an empty
// slot.
func (s *Slots) Meta(i int) SlotMeta {
	raw, err := os.ReadFile(filepath.Join(s.MetaDir(), fmt.Sprintf("slot-%d.json", i)))
	if err != nil {
		return SlotMeta{Slot: i, Status: "empty"}
	}
	var meta SlotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return SlotMeta{Slot: i, Status: "empty"}
	}
	meta.Slot = i
	return meta
}

// SetMeta writes the metadata of a slot.
func (s *Slots) SetMeta(meta SlotMeta) error {
	if err := os.MkdirAll(s.MetaDir(), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.MetaDir(), fmt.Sprintf("slot-%d.json", meta.Slot))
	return os.WriteFile(path, raw, 0o644)
}

// Active returns the slot the `current` symlink points to.
func (s *Slots) Active() (int, bool) {
	target, err := os.Readlink(filepath.Join(s.Dir, "current"))
	if err != nil {
		return 0, false
	}
	name := filepath.Base(target)
	if !strings.HasPrefix(name, "slot-") {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(name, "slot-"))
	if err != nil || i < 0 || i >= slotCount {
		return 0, false
	}
	return i, true
}

// RollbackTarget returns the most recently deployed non-active slot.
func (s *Slots) RollbackTarget() (int, bool) {
	active, hasActive := s.Active()

	var candidates []SlotMeta
	for i := 0; i < slotCount; i++ {
		if hasActive && i == active {
			continue
		}
		meta := s.Meta(i)
		if meta.Version != "" && meta.DeployedAt != "" {
			candidates = append(candidates, meta)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].DeployedAt > candidates[b].DeployedAt
	})
	return candidates[0].Slot, true
}

// OldestSlot picks the target for a new deployment: the first empty
// slot, or the oldest non-active one.
func (s *Slots) OldestSlot() int {
	active, hasActive := s.Active()

	for i := 0; i < slotCount; i++ {
		meta := s.Meta(i)
		if meta.Version == "" {
			return i
		}
	}

	candidates := make([]SlotMeta, 0, slotCount)
	for i := 0; i < slotCount; i++ {
		if hasActive && i == active {
			continue
		}
		candidates = append(candidates, s.Meta(i))
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].DeployedAt < candidates[b].DeployedAt
	})
	return candidates[0].Slot
}

// Swap atomically repoints the `current` symlink at slot i: a fresh
// symlink is created under a temporary name and renamed over the old
// one, so there is never a moment without a valid link.
func (s *Slots) Swap(i int) error {
	tmp := filepath.Join(s.Dir, ".current.tmp")
	final := filepath.Join(s.Dir, "current")

	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(fmt.Sprintf("slot-%d", i), tmp); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Version reads the deployed version of slot i from its webapp
// version marker.
func (s *Slots) Version(i int) string {
	raw, err := os.ReadFile(filepath.Join(s.SlotDir(i), "webapp", "version.html"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(raw))
}

// Info returns the full slot overview.
func (s *Slots) Info() SlotInfo {
	info := SlotInfo{Slots: make([]SlotMeta, 0, slotCount)}

	if active, ok := s.Active(); ok {
		info.ActiveSlot = &active
	}
	for i := 0; i < slotCount; i++ {
		meta := s.Meta(i)
		switch {
		case info.ActiveSlot != nil && i == *info.ActiveSlot:
			meta.Status = "active"
		case meta.Version != "":
			meta.Status = "available"
		default:
			meta.Status = "empty"
		}
		info.Slots = append(info.Slots, meta)
	}

	if target, ok := s.RollbackTarget(); ok {
		info.CanRollback = true
		info.RollbackTarget = &target
	}
	return info
}
