package merge

import (
	"sort"

	"github.com/INLOpen/tstore/metadata"
	"github.com/RoaringBitmap/roaring"
)

// CandidateSet is the set of file ids a rule wants merged.
type CandidateSet = roaring.Bitmap

// Rule names used in Plan reasons and metrics.
const (
	RuleFileCount      = "file_count"
	RuleInvalidEntries = "invalid_entries"
	RuleDeletedEntries = "deleted_entries"
)

// Reason records which rule selected which files.
type Reason struct {
	Rule    string
	Bucket  Bucket // only meaningful for the file count rule
	FileIDs []uint32
}

// Plan is one merge group. Files are ordered oldest first.
type Plan struct {
	Files        []*metadata.FileMetadata
	TargetBucket Bucket
	Reasons      []Reason
}

// Empty reports whether there is nothing to merge.
func (p Plan) Empty() bool { return len(p.Files) == 0 }

// IDs returns the ids of the planned files.
func (p Plan) IDs() []uint32 {
	ids := make([]uint32, len(p.Files))
	for i, f := range p.Files {
		ids[i] = f.ID
	}
	return ids
}

// Size is the combined size of the planned files.
func (p Plan) Size() int64 {
	var n int64
	for _, f := range p.Files {
		n += f.Size
	}
	return n
}

// EvaluateInput carries the engine state a rule may not override.
type EvaluateInput struct {
	// Excluded files are never selected: files pinned by a snapshot and files
	// already taking part in an outstanding merge.
	Excluded *roaring.Bitmap
	// LowestNeededTimestamp is the lowest version an open snapshot may still
	// read. Zero means no snapshot is open.
	LowestNeededTimestamp uint64
}

// Evaluator decides which files of a table should be merged.
type Evaluator struct {
	Policy                     Policy
	MergeFilesCountThreshold   int
	NumberOfInvalidEntries     uint64
	NumberOfDeletedEntries     uint64
	PercentageOfDeletedEntries float64
	FileCount                  FileCountConfiguration
}

// Evaluate runs every enabled rule against table and returns the merge
// groups, each of which is written to its own output file. Every file count
// bucket that reached the threshold forms its own group targeting the next
// bucket. Files picked by the invalid or deleted entries rules join the first
// group, or form one group when no bucket is full. Groups never share a file.
func (e *Evaluator) Evaluate(table *metadata.Table, in EvaluateInput) []Plan {
	if e.Policy.IsNone() || table == nil || table.Len() == 0 {
		return nil
	}

	eligible := make([]*metadata.FileMetadata, 0, table.Len())
	for _, f := range table.Files() {
		if in.Excluded != nil && in.Excluded.Contains(f.ID) {
			continue
		}
		eligible = append(eligible, f)
	}
	sortOldestFirst(eligible)

	var (
		groups   []*roaring.Bitmap
		reasons  [][]Reason
		targets  []Bucket
		grouped  = roaring.New()
		extra    = roaring.New()
		extraWhy []Reason
	)
	if e.Policy.FileCount {
		for _, r := range e.fileCountCandidates(eligible) {
			groups = append(groups, roaring.BitmapOf(r.FileIDs...))
			reasons = append(reasons, []Reason{r})
			targets = append(targets, r.Bucket.Next())
			grouped.AddMany(r.FileIDs)
		}
	}
	if e.Policy.InvalidEntries {
		if set := e.invalidEntriesCandidates(eligible); !set.IsEmpty() {
			extraWhy = append(extraWhy, Reason{Rule: RuleInvalidEntries, FileIDs: set.ToArray()})
			extra.Or(set)
		}
	}
	if e.Policy.DeletedEntries {
		if set := e.deletedEntriesCandidates(eligible, in.LowestNeededTimestamp); !set.IsEmpty() {
			extraWhy = append(extraWhy, Reason{Rule: RuleDeletedEntries, FileIDs: set.ToArray()})
			extra.Or(set)
		}
	}
	extra.AndNot(grouped)
	switch {
	case len(groups) > 0:
		groups[0].Or(extra)
		reasons[0] = append(reasons[0], extraWhy...)
	case !extra.IsEmpty():
		groups = append(groups, extra)
		reasons = append(reasons, extraWhy)
		targets = append(targets, BucketVerySmall)
	default:
		return nil
	}

	plans := make([]Plan, len(groups))
	for i, ids := range groups {
		plan := Plan{Reasons: reasons[i]}
		for _, f := range eligible {
			if ids.Contains(f.ID) {
				plan.Files = append(plan.Files, f)
			}
		}
		plan.TargetBucket = max(targets[i], e.FileCount.Classify(plan.Size()))
		plans[i] = plan
	}
	return plans
}

// fileCountCandidates picks, per bucket below Large, the Threshold oldest
// files once the bucket holds at least Threshold of them.
func (e *Evaluator) fileCountCandidates(files []*metadata.FileMetadata) []Reason {
	threshold := e.FileCount.Threshold
	if threshold < 2 {
		return nil
	}
	byBucket := make(map[Bucket][]uint32)
	for _, f := range files {
		b := e.FileCount.Classify(f.Size)
		if b == BucketLarge {
			continue
		}
		byBucket[b] = append(byBucket[b], f.ID)
	}
	var reasons []Reason
	for b := BucketVerySmall; b < BucketLarge; b++ {
		ids := byBucket[b]
		if len(ids) < threshold {
			continue
		}
		reasons = append(reasons, Reason{Rule: RuleFileCount, Bucket: b, FileIDs: ids[:threshold]})
	}
	return reasons
}

// invalidEntriesCandidates selects files carrying enough superseded entries,
// but only once enough of them qualify to make the merge worthwhile.
func (e *Evaluator) invalidEntriesCandidates(files []*metadata.FileMetadata) *CandidateSet {
	set := roaring.New()
	for _, f := range files {
		if n := f.NumberOfInvalidEntries(); n > 0 && n >= e.NumberOfInvalidEntries {
			set.Add(f.ID)
		}
	}
	if int(set.GetCardinality()) < e.MergeFilesCountThreshold {
		return roaring.New()
	}
	return set
}

// deletedEntriesCandidates selects files dense in tombstones that no open
// snapshot can still observe.
func (e *Evaluator) deletedEntriesCandidates(files []*metadata.FileMetadata, lowestNeeded uint64) *CandidateSet {
	set := roaring.New()
	for _, f := range files {
		if f.DeletedEntries == 0 {
			continue
		}
		if lowestNeeded != 0 && f.MaxVersion >= lowestNeeded {
			continue
		}
		byCount := e.NumberOfDeletedEntries > 0 && f.DeletedEntries >= e.NumberOfDeletedEntries
		byRatio := false
		if e.PercentageOfDeletedEntries > 0 && f.TotalEntries > 0 {
			byRatio = float64(f.DeletedEntries)*100/float64(f.TotalEntries) >= e.PercentageOfDeletedEntries
		}
		if byCount || byRatio {
			set.Add(f.ID)
		}
	}
	if int(set.GetCardinality()) < e.MergeFilesCountThreshold {
		return roaring.New()
	}
	return set
}

func sortOldestFirst(files []*metadata.FileMetadata) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].LogicalTimestamp != files[j].LogicalTimestamp {
			return files[i].LogicalTimestamp < files[j].LogicalTimestamp
		}
		return files[i].ID < files[j].ID
	})
}
