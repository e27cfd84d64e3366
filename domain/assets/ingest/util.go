package ingest

import (
	"sort"
	"strconv"
	"strings"
)

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func sortedCSV(ids []int64) string {
	cp := append([]int64(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	parts := make([]string, len(cp))
	for i, id := range cp {
		parts[i] = itoa(id)
	}
	return strings.Join(parts, ",")
}

// LeaseKey returns the lease key this requirement must be invoked under:
// ingest:<kind>:<targetId>, with posts keyed on the sorted id set.
func (r Requirement) LeaseKey() string {
	if r.IngestKind == KindPosts {
		return "ingest:posts:" + sortedCSV(r.TargetUserIDs)
	}
	return "ingest:" + string(r.IngestKind) + ":" + itoa(r.TargetUserID)
}
