package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// DriverConfig holds configuration for driver selection and initialization.
type DriverConfig struct {
	// Driver is the driver name: fs, sqlite, postgres
	Driver string `json:"driver"`

	// DataDir is the directory for owner directories and the sqlite database.
	DataDir string `json:"data_dir"`

	// DSN is the connection string for network databases (postgres).
	DSN string `json:"dsn"`

	// Logger receives warnings about unreadable stored state. May be nil.
	Logger *slog.Logger `json:"-"`
}

// DriverFactory is a function that creates a driver instance.
type DriverFactory func(cfg *DriverConfig) (Connector, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register registers a driver factory by name.
// This is typically called from init() in driver packages.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates a connector based on the configuration. The caller must Init it.
func New(cfg *DriverConfig) (Connector, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}

	return factory(cfg)
}

// AvailableDrivers returns the sorted list of registered driver names.
func AvailableDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
