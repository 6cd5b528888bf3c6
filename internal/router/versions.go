package router

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// maxVersions bounds the archive; older snapshots are dropped first.
const maxVersions = 50

// Version is one archived routing configuration: the full route table plus
// the scoring parameters that were live when it was taken.
type Version struct {
	ID          int        `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	Label       string     `json:"label"`
	Routes      []RouteDef `json:"routes"`
	HybridAlpha float64    `json:"hybridAlpha"`
	MinScoreGap float64    `json:"minScoreGap"`
}

// Canary converts the archived version into an activatable snapshot.
func (v Version) Canary() CanarySnapshot {
	routes := make([]RouteDef, len(v.Routes))
	copy(routes, v.Routes)
	return CanarySnapshot{
		Version:     v.ID,
		Routes:      routes,
		HybridAlpha: v.HybridAlpha,
		MinScoreGap: v.MinScoreGap,
	}
}

type versionsFile struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	ActiveID  int       `json:"activeVersionId"`
	NextID    int       `json:"nextId"`
	Snapshots []Version `json:"snapshots"`
}

// VersionRing archives routing configurations so an operator can roll back
// or serve an older table as a canary. Every mutation is persisted to disk
// with a write-then-rename, same as the routes file.
type VersionRing struct {
	mu   sync.Mutex
	path string
	file versionsFile
	now  func() time.Time
}

// LoadVersions opens the archive at path, starting empty when the file does
// not exist yet.
func LoadVersions(path string) (*VersionRing, error) {
	vr := &VersionRing{
		path: path,
		file: versionsFile{Version: 1, NextID: 1},
		now:  time.Now,
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return vr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read versions file: %w", err)
	}
	if err := json.Unmarshal(raw, &vr.file); err != nil {
		return nil, fmt.Errorf("decode versions file: %w", err)
	}
	if vr.file.NextID < 1 {
		vr.file.NextID = 1
		for _, s := range vr.file.Snapshots {
			if s.ID >= vr.file.NextID {
				vr.file.NextID = s.ID + 1
			}
		}
	}
	return vr, nil
}

// Save archives the given configuration and returns the stored entry. The
// oldest snapshots are evicted once the ring is full.
func (vr *VersionRing) Save(label string, rf *RoutesFile, hybridAlpha, minScoreGap float64) (Version, error) {
	vr.mu.Lock()
	defer vr.mu.Unlock()

	routes := make([]RouteDef, len(rf.Routes))
	copy(routes, rf.Routes)
	v := Version{
		ID:          vr.file.NextID,
		CreatedAt:   vr.now().UTC(),
		Label:       label,
		Routes:      routes,
		HybridAlpha: hybridAlpha,
		MinScoreGap: minScoreGap,
	}
	vr.file.NextID++
	vr.file.Snapshots = append(vr.file.Snapshots, v)
	if excess := len(vr.file.Snapshots) - maxVersions; excess > 0 {
		vr.file.Snapshots = append([]Version(nil), vr.file.Snapshots[excess:]...)
	}
	if err := vr.persistLocked(); err != nil {
		return Version{}, err
	}
	return v, nil
}

// Get returns the snapshot with the given id.
func (vr *VersionRing) Get(id int) (Version, bool) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	for _, s := range vr.file.Snapshots {
		if s.ID == id {
			return s, true
		}
	}
	return Version{}, false
}

// Latest returns the newest snapshot, if any.
func (vr *VersionRing) Latest() (Version, bool) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if len(vr.file.Snapshots) == 0 {
		return Version{}, false
	}
	return vr.file.Snapshots[len(vr.file.Snapshots)-1], true
}

// List returns all snapshots, oldest first.
func (vr *VersionRing) List() []Version {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	out := make([]Version, len(vr.file.Snapshots))
	copy(out, vr.file.Snapshots)
	return out
}

// SetActive marks the snapshot currently served as the canary. Zero clears
// the marker.
func (vr *VersionRing) SetActive(id int) error {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if id != 0 {
		found := false
		for _, s := range vr.file.Snapshots {
			if s.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown version %d", id)
		}
	}
	vr.file.ActiveID = id
	return vr.persistLocked()
}

// ActiveID reports which snapshot is marked active; zero means none.
func (vr *VersionRing) ActiveID() int {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.file.ActiveID
}

func (vr *VersionRing) persistLocked() error {
	vr.file.UpdatedAt = vr.now().UTC()
	raw, err := json.MarshalIndent(vr.file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode versions file: %w", err)
	}
	tmp := vr.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write versions tmp: %w", err)
	}
	if err := os.Rename(tmp, vr.path); err != nil {
		return fmt.Errorf("replace versions file: %w", err)
	}
	return nil
}
