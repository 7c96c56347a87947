package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/allocator"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/logger"
	"github.com/punchamoorthee/walletcore/internal/status"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Seed is written to -out and read back by the benchmark.
type Seed struct {
	OfferID  uuid.UUID   `json:"offer_id"`
	Currency string      `json:"currency"`
	Wallets  []uuid.UUID `json:"wallets"`
}

var (
	totalWallets int
	balance      string
	offerMax     string
	currency     string
	outFile      string
)

func init() {
	flag.IntVar(&totalWallets, "wallets", 1000, "Number of funded wallets to create")
	flag.StringVar(&balance, "balance", "100.00", "Initial deposit per wallet")
	flag.StringVar(&offerMax, "offer-max", "50000.00", "Capacity of the seeded offer")
	flag.StringVar(&currency, "currency", "USD", "Currency of every seeded account")
	flag.StringVar(&outFile, "out", "seed.json", "Where to write the seeded ids")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.UseMemoryStore() {
		log.Fatal("DB_SOURCE is required for seeding")
	}
	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Sync()

	perWallet, err := decimal.NewFromString(balance)
	if err != nil {
		lg.Fatal("invalid -balance", zap.Error(err))
	}
	capacity, err := decimal.NewFromString(offerMax)
	if err != nil {
		lg.Fatal("invalid -offer-max", zap.Error(err))
	}

	ctx := context.Background()
	pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		lg.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		lg.Fatal("schema migration failed", zap.Error(err))
	}

	lg.Info("--- Seeding Database ---")

	// Wallets go in through CopyFrom; they carry no entries yet so the bulk
	// path cannot unbalance anything.
	wallets := make([]uuid.UUID, totalWallets)
	rows := make([][]interface{}, 0, totalWallets)
	now := time.Now().UTC()
	for i := range wallets {
		wallets[i] = uuid.New()
		rows = append(rows, []interface{}{wallets[i], fmt.Sprintf("seed-%05d", i), currency, string(domain.AccountClassWallet), now})
	}
	copied, err := pg.Db.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "owner_ref", "currency", "class", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		lg.Fatal("bulk insert failed", zap.Error(err))
	}
	lg.Info("wallets created", zap.Int64("count", copied))

	engine := status.NewEngine(pg, nil, lg)
	dispatcher := status.NewDispatcher(engine, status.DispatcherConfig{Workers: cfg.RecomputeWorkers}, lg)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	go dispatcher.Run(workerCtx)
	defer stopWorkers()

	registry := account.NewRegistry(pg, lg)
	led := ledger.New(pg, dispatcher, nil, lg)
	alloc := allocator.New(pg, led, nil, lg)

	clearing, err := registry.Open(ctx, "seed-clearing", currency, domain.AccountClassExternalClearing)
	if err != nil {
		lg.Fatal("unable to open clearing account", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, w := range wallets {
		w := w
		g.Go(func() error {
			txn, err := led.OpenTransaction(gctx, domain.TransactionDeposit)
			if err != nil {
				return err
			}
			_, err = led.Record(gctx, ledger.RecordRequest{
				Type: domain.OperationDeposit,
				Entries: []ledger.EntryRequest{
					{AccountID: clearing.ID, Amount: perWallet.Neg(), Currency: currency},
					{AccountID: w, Amount: perWallet, Currency: currency},
				},
				IdempotencyKey: depositKey(w),
				TransactionID:  &txn.ID,
				Metadata:       map[string]string{"actor": "seeder"},
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		lg.Fatal("funding wallets failed", zap.Error(err))
	}
	lg.Info("wallets funded", zap.Int("count", len(wallets)), zap.String("amount", perWallet.String()))

	holding, err := registry.Open(ctx, "seed-offer-holding", currency, domain.AccountClassHolding)
	if err != nil {
		lg.Fatal("unable to open holding account", zap.Error(err))
	}
	offer, err := alloc.CreateOffer(ctx, allocator.CreateOfferRequest{
		Code:             fmt.Sprintf("SEED-%d", now.Unix()),
		Currency:         currency,
		MaxAmount:        capacity,
		HoldingAccountID: holding.ID,
	})
	if err != nil {
		lg.Fatal("unable to create offer", zap.Error(err))
	}
	if _, err := alloc.Transition(ctx, offer.ID, domain.OfferLive); err != nil {
		lg.Fatal("unable to open offer", zap.Error(err))
	}

	f, err := os.Create(outFile)
	if err != nil {
		lg.Fatal("unable to write seed file", zap.Error(err))
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Seed{OfferID: offer.ID, Currency: currency, Wallets: wallets}); err != nil {
		lg.Fatal("unable to write seed file", zap.Error(err))
	}
	lg.Info("seed complete", zap.String("offer_id", offer.ID.String()), zap.String("file", outFile))
}

// depositKey is unique per wallet, so a rerun against a populated database
// funds its own fresh wallets instead of replaying an earlier run's deposits.
func depositKey(wallet uuid.UUID) string {
	return "seed-deposit-" + wallet.String()
}
