package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/store"
)

const seedAction = "seed_grant"

var (
	totalUsers int
	maxPoints  int64
)

func init() {
	flag.IntVar(&totalUsers, "users", 1000, "Number of users to seed (IDs 1..N)")
	flag.Int64Var(&maxPoints, "max-points", 6000, "Upper bound of each user's opening grant")
}

func main() {
	flag.Parse()
	logger := log.NewHelper(log.With(log.NewStdLogger(os.Stdout), "ts", log.DefaultTimestamp, "cmd", "seeder"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(err)
	}
	if cfg.Storage != config.StoragePostgres {
		logger.Fatal("seeder requires STORAGE=postgres")
	}

	ctx := context.Background()
	s, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatalf("Unable to connect to database: %v", err)
	}
	defer s.Close()

	logger.Info("--- Seeding Database ---")
	if err := s.Migrate(ctx); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}

	var count int
	if err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM user_balances").Scan(&count); err != nil {
		logger.Fatalf("Count failed: %v", err)
	}
	if count >= totalUsers {
		logger.Infof("Database already has %d balances. Skipping.", count)
		return
	}

	// Ledger rows and balances go in together so the seeded data reconciles.
	now := time.Now().UTC()
	txRows := make([][]any, 0, totalUsers)
	balanceRows := make([][]any, 0, totalUsers)
	for i := 1; i <= totalUsers; i++ {
		points := rand.Int63n(maxPoints + 1)
		txRows = append(txRows, []any{
			uuid.New(), int64(i), seedAction, points,
			map[string]any{"source": "seeder"},
			fmt.Sprintf("seed:v1:%d", i), now,
		})
		balanceRows = append(balanceRows, []any{int64(i), points, int64(1), now})
	}

	tx, err := s.Db.Begin(ctx)
	if err != nil {
		logger.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"points_transactions"},
		[]string{"id", "user_id", "action", "points", "metadata", "idempotency_key", "processed_at"},
		pgx.CopyFromRows(txRows),
	)
	if err != nil {
		logger.Fatalf("Bulk insert of transactions failed: %v", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"user_balances"},
		[]string{"user_id", "balance", "version", "updated_at"},
		pgx.CopyFromRows(balanceRows),
	); err != nil {
		logger.Fatalf("Bulk insert of balances failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		logger.Fatalf("Commit failed: %v", err)
	}

	logger.Infof("Successfully seeded %d users.", copied)
}
