package index

import (
	"context"
	"fmt"
	"slices"
)

// Report lists the differences between the index and the workspaces on disk.
type Report struct {
	MissingFromIndex []string `json:"missing_from_index"`
	MissingFromDisk  []string `json:"missing_from_disk"`
}

// Consistent reports whether both lists are empty.
func (r Report) Consistent() bool {
	return len(r.MissingFromIndex) == 0 && len(r.MissingFromDisk) == 0
}

// Err returns an ErrInconsistent error describing r, or nil.
func (r Report) Err() error {
	if r.Consistent() {
		return nil
	}
	return fmt.Errorf("%w: %d workspace(s) missing from index, %d entr(ies) missing from disk",
		ErrInconsistent, len(r.MissingFromIndex), len(r.MissingFromDisk))
}

// RepairResult lists what Repair changed.
type RepairResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	// Failed holds workspaces that could not be loaded and stay unindexed.
	Failed []string `json:"failed,omitempty"`
}

// VerifyConsistency compares the index with the workspaces on disk.
func (ix *Index) VerifyConsistency() (Report, error) {
	onDisk, err := ix.source.SessionIDs()
	if err != nil {
		return Report{}, fmt.Errorf("verify session index: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var r Report
	disk := make(map[string]struct{}, len(onDisk))
	for _, id := range onDisk {
		disk[id] = struct{}{}
		if _, ok := ix.sessions[id]; !ok {
			r.MissingFromIndex = append(r.MissingFromIndex, id)
		}
	}
	for id := range ix.sessions {
		if _, ok := disk[id]; !ok {
			r.MissingFromDisk = append(r.MissingFromDisk, id)
		}
	}
	slices.Sort(r.MissingFromIndex)
	slices.Sort(r.MissingFromDisk)
	return r, nil
}

// Repair indexes unindexed workspaces and drops entries whose workspace is
// gone. Running it twice changes nothing the second time.
func (ix *Index) Repair(ctx context.Context) (RepairResult, error) {
	report, err := ix.VerifyConsistency()
	if err != nil {
		return RepairResult{}, err
	}
	if report.Consistent() {
		return RepairResult{}, nil
	}

	var res RepairResult
	ix.mu.Lock()
	for _, id := range report.MissingFromIndex {
		sum, err := ix.source.Summary(id)
		if err != nil {
			ix.logger.Warn("Cannot index workspace", "session_id", id, "error", err)
			res.Failed = append(res.Failed, id)
			continue
		}
		ix.sessions[id] = sum
		res.Added = append(res.Added, id)
	}
	for _, id := range report.MissingFromDisk {
		// The scan ran before the lock; a session created since then is kept.
		if sum, err := ix.source.Summary(id); err == nil {
			ix.sessions[id] = sum
			continue
		}
		delete(ix.sessions, id)
		res.Removed = append(res.Removed, id)
	}
	ix.persistLocked(ctx)
	ix.mu.Unlock()

	ix.logger.Info("Session index repaired",
		"added", len(res.Added),
		"removed", len(res.Removed),
		"failed", len(res.Failed))
	return res, nil
}
