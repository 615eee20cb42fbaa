package merge

import (
	"fmt"
	"strings"
)

// Policy selects which merge rules are evaluated after a checkpoint.
type Policy struct {
	FileCount      bool
	InvalidEntries bool
	DeletedEntries bool
}

var (
	PolicyNone           = Policy{}
	PolicyFileCount      = Policy{FileCount: true}
	PolicyInvalidEntries = Policy{InvalidEntries: true}
	PolicyDeletedEntries = Policy{DeletedEntries: true}
	PolicyAll            = Policy{FileCount: true, InvalidEntries: true, DeletedEntries: true}
)

// Union enables every rule enabled in either policy.
func (p Policy) Union(other Policy) Policy {
	return Policy{
		FileCount:      p.FileCount || other.FileCount,
		InvalidEntries: p.InvalidEntries || other.InvalidEntries,
		DeletedEntries: p.DeletedEntries || other.DeletedEntries,
	}
}

// IsNone reports whether no rule is enabled.
func (p Policy) IsNone() bool { return p == PolicyNone }

func (p Policy) String() string {
	var names []string
	if p.FileCount {
		names = append(names, "file_count")
	}
	if p.InvalidEntries {
		names = append(names, "invalid_entries")
	}
	if p.DeletedEntries {
		names = append(names, "deleted_entries")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParsePolicy builds a policy from rule names as they appear in the
// configuration file. "none" contributes nothing; an empty list is PolicyNone.
func ParsePolicy(names []string) (Policy, error) {
	p := PolicyNone
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "none", "":
		case "file_count":
			p = p.Union(PolicyFileCount)
		case "invalid_entries":
			p = p.Union(PolicyInvalidEntries)
		case "deleted_entries":
			p = p.Union(PolicyDeletedEntries)
		case "all":
			p = p.Union(PolicyAll)
		default:
			return PolicyNone, fmt.Errorf("unknown merge policy %q", name)
		}
	}
	return p, nil
}

// Bucket is the size class of a checkpoint file for the file-count rule.
type Bucket int

const (
	BucketVerySmall Bucket = iota
	BucketSmall
	BucketMedium
	BucketLarge
)

func (b Bucket) String() string {
	switch b {
	case BucketVerySmall:
		return "very_small"
	case BucketSmall:
		return "small"
	case BucketMedium:
		return "medium"
	case BucketLarge:
		return "large"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// Next returns the bucket a merged group is expected to land in. Large has
// no successor.
func (b Bucket) Next() Bucket {
	if b >= BucketLarge {
		return BucketLarge
	}
	return b + 1
}

const (
	DefaultFileCountThreshold = 16
	DefaultVerySmallMax       = 16 * 1024 * 1024
	DefaultSmallMax           = 256 * 1024 * 1024
	DefaultMediumMax          = 4 * 1024 * 1024 * 1024
)

// FileCountConfiguration holds the bucket boundaries. A file belongs to the
// first bucket whose maximum it stays below.
type FileCountConfiguration struct {
	Threshold    int
	VerySmallMax int64
	SmallMax     int64
	MediumMax    int64
}

// DefaultFileCountConfiguration returns the production bucket boundaries.
func DefaultFileCountConfiguration() FileCountConfiguration {
	return FileCountConfiguration{
		Threshold:    DefaultFileCountThreshold,
		VerySmallMax: DefaultVerySmallMax,
		SmallMax:     DefaultSmallMax,
		MediumMax:    DefaultMediumMax,
	}
}

// Classify returns the bucket of a file of the given size.
func (c FileCountConfiguration) Classify(size int64) Bucket {
	switch {
	case size < c.VerySmallMax:
		return BucketVerySmall
	case size < c.SmallMax:
		return BucketSmall
	case size < c.MediumMax:
		return BucketMedium
	default:
		return BucketLarge
	}
}

// Validate checks the boundaries are usable.
func (c FileCountConfiguration) Validate() error {
	if c.Threshold < 2 {
		return fmt.Errorf("file count threshold must be at least 2, got %d", c.Threshold)
	}
	if c.VerySmallMax <= 0 || c.SmallMax <= c.VerySmallMax || c.MediumMax <= c.SmallMax {
		return fmt.Errorf("file count buckets must be increasing: %d < %d < %d", c.VerySmallMax, c.SmallMax, c.MediumMax)
	}
	return nil
}
