package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Candidate classification.
const (
	CandidateLive     = "live"
	CandidateMissing  = "missing"
	CandidateStale    = "stale"
	CandidateConflict = "conflict"
)

// Candidate is one discovered daemon record plus its classification.
type Candidate struct {
	Path   string      `json:"path"`
	Record OwnerRecord `json:"record"`
	State  string      `json:"state"`
}

// RegistryPaths returns the candidate record locations, canonical first, then
// the legacy single-record file.
func RegistryPaths(controlRoot, stateRoot string) []string {
	return []string{
		filepath.Join(controlRoot, "daemon.owner.json"),
		filepath.Join(controlRoot, "daemon-registry.json"),
		filepath.Join(stateRoot, "ralph", "daemon.json"),
	}
}

// Discover reads every candidate record location and classifies each:
//   - live: pid exists and start identity matches the record
//   - missing: record file absent or unreadable
//   - stale: pid gone, or pid recycled (identity mismatch)
//   - conflict: a second live record disagreeing with an earlier live one
func Discover(paths []string) []Candidate {
	var out []Candidate
	var live *OwnerRecord

	for _, path := range paths {
		rec, err := readOwnerRecord(path)
		if err != nil {
			if !os.IsNotExist(err) {
				out = append(out, Candidate{Path: path, State: CandidateMissing})
			}
			continue
		}

		state := classify(rec)
		if state == CandidateLive {
			if live != nil && (live.PID != rec.PID || live.DaemonID != rec.DaemonID) {
				state = CandidateConflict
			} else if live == nil {
				r := rec
				live = &r
			}
		}
		out = append(out, Candidate{Path: path, Record: rec, State: state})
	}
	return out
}

// LiveCandidate returns the single authoritative live candidate, if any.
func LiveCandidate(candidates []Candidate) (Candidate, bool) {
	for _, c := range candidates {
		if c.State == CandidateLive {
			return c, true
		}
	}
	return Candidate{}, false
}

// HealStale removes the record files of stale candidates. Live and conflict
// records are never touched.
func HealStale(candidates []Candidate) error {
	for _, c := range candidates {
		if c.State != CandidateStale {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale record %s: %w", c.Path, err)
		}
	}
	return nil
}

func classify(rec OwnerRecord) string {
	if !PIDAlive(rec.PID) {
		return CandidateStale
	}
	// A live pid with a different start identity is a recycled pid.
	if rec.StartIdentity != "" && StartIdentity(rec.PID) != rec.StartIdentity {
		return CandidateStale
	}
	return CandidateLive
}

func readOwnerRecord(path string) (OwnerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OwnerRecord{}, err
	}
	var rec OwnerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OwnerRecord{}, err
	}
	return rec, nil
}
