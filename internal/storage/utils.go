package storage

import "github.com/pkg/errors"

// InitStore opens the store and verifies the schema has been migrated, so
// commands fail with an actionable message instead of a bare SQL error on
// their first query.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	var tasksTable *string
	if err := store.db.Get(&tasksTable, "SELECT to_regclass('tasks')"); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "check schema")
	}
	if tasksTable == nil {
		store.Close()
		return nil, errors.New("database schema not found; run moniqo-migrate first")
	}
	return store, nil
}
