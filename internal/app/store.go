package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nuetzliches/pantrysync/internal/queue"
)

const defaultDBPath = "./.data/pantrysync.db"

// openStore selects the queue backend for --db-driver. The returned
// closer is nil for the memory backend.
func openStore(driver, path string, logger *slog.Logger) (queue.Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		s, err := queue.NewSQLiteStore(path, queue.WithSQLiteLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite queue %q: %w", path, err)
		}
		return s, s, nil
	case "bolt":
		s, err := queue.NewBoltStore(path, queue.WithBoltLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt queue %q: %w", path, err)
		}
		return s, s, nil
	case "memory":
		return queue.NewMemoryStore(queue.WithLogger(logger)), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid --db-driver %q (use: sqlite|bolt|memory)", driver)
	}
}
