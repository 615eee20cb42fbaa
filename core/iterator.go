package core

// IteratorInterface is implemented by every ordered source of versioned items:
// the differential state, checkpoint key files and merging iterators.
type IteratorInterface interface {
	Next() bool
	// At returns the current item. The item is only valid until the next call to Next().
	At() (*VersionedItem, error)
	Error() error
	Close() error
}
