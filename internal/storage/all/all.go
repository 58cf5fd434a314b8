// Package all registers every storage backend with the storage factory.
package all

import (
	_ "reportetl/internal/storage/mssql"
	_ "reportetl/internal/storage/postgres"
	_ "reportetl/internal/storage/sqlite"
)
