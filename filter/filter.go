package filter

// Filter answers approximate membership queries for the keys of one
// checkpoint file. Readers consult it before touching the key directory.
type Filter interface {
	// Contains reports false only for keys that were never added.
	Contains(key []byte) bool

	// Bytes returns the serialized form stored in the key file.
	Bytes() []byte
}
