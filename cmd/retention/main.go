package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/store"
)

var (
	batchSize int
	dryRun    bool
)

func init() {
	flag.IntVar(&batchSize, "batch", 5000, "Rows deleted per statement")
	flag.BoolVar(&dryRun, "dry-run", false, "Report the cutoff without deleting")
}

// retention purges audit entries older than AUDIT_RETENTION. Ledger rows are
// never touched.
func main() {
	flag.Parse()
	logger := log.NewHelper(log.With(log.NewStdLogger(os.Stdout), "ts", log.DefaultTimestamp, "cmd", "retention"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(err)
	}
	if cfg.Storage != config.StoragePostgres {
		logger.Fatal("retention requires STORAGE=postgres")
	}
	if batchSize <= 0 {
		logger.Fatal("batch must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	s, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatalf("Unable to connect to database: %v", err)
	}
	defer s.Close()

	cutoff := time.Now().UTC().Add(-cfg.AuditRetention)
	if dryRun {
		logger.Infof("Dry run: would purge audit entries created before %s", cutoff.Format(time.RFC3339))
		return
	}

	purged, err := s.PurgeAuditBefore(ctx, cutoff, batchSize)
	if err != nil {
		logger.Fatalf("Purge stopped after %d rows: %v", purged, err)
	}
	logger.Infof("Purged %d audit entries created before %s", purged, cutoff.Format(time.RFC3339))
}
