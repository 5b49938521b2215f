package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Messages MessageStore
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Mode        string // "managed" (Postgres) or "standalone" (SQLite)
	PostgresDSN string
	SQLitePath  string

	// Listen enables the cross-instance insert feed (Postgres only).
	Listen bool
}

func (s *Stores) Close() error {
	if s == nil || s.Messages == nil {
		return nil
	}
	return s.Messages.Close()
}
