package store

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Open returns the Storage for a configured driver: "sqlite" opens path, "memory" ignores it.
func Open(driver, path string, log logrus.FieldLogger) (Storage, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(path, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
