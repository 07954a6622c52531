package ledger

import (
	"fmt"
	"log/slog"

	"docflow/internal/config"
)

// Open constructs the ledger backend selected in configuration.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		return NewMemoryStore(), nil
	case config.LedgerBadger:
		return OpenBadgerStore(cfg.Ledger.DSN, logger)
	case config.LedgerSQLite:
		return OpenSQLiteStore(cfg.Ledger.DSN)
	case config.LedgerRedis:
		return OpenRedisStore(cfg.Ledger.DSN, cfg.Ledger.Prefix)
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
	}
}
