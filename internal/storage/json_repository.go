package storage

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string) (Repository, error) {
	return NewStorage(path)
}
