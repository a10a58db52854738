// This package defines the migration type applied by the database migrator.
// Migrations are ordered, applied once and recorded per namespace.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
