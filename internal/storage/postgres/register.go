package postgres

import "reportetl/internal/storage"

func init() {
	storage.Register("postgres", New)
}
