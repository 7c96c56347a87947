package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	targetURL   string
	seedFile    string
	concurrency int
	requests    int
	amount      string
	replayRate  float64
)

// Counters
var (
	created   uint64
	replayed  uint64
	conflicts uint64
	rejected  uint64
	failOther uint64
)

type seed struct {
	OfferID  uuid.UUID   `json:"offer_id"`
	Currency string      `json:"currency"`
	Wallets  []uuid.UUID `json:"wallets"`
}

type offer struct {
	MaxAmount       decimal.Decimal `json:"max_amount"`
	CommittedAmount decimal.Decimal `json:"committed_amount"`
	Status          string          `json:"status"`
}

type allocation struct {
	AcceptedAmount decimal.Decimal `json:"accepted_amount"`
	Partial        bool            `json:"partial"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&seedFile, "seed", "seed.json", "Seed file written by the seeder")
	flag.IntVar(&concurrency, "workers", 32, "Number of concurrent workers")
	flag.IntVar(&requests, "requests", 2000, "Total allocation requests")
	flag.StringVar(&amount, "amount", "40.00", "Requested amount per allocation")
	flag.Float64Var(&replayRate, "replay-rate", 0.1, "Fraction of requests that resend an earlier idempotency key")
}

func main() {
	flag.Parse()

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		log.Fatalf("Unable to read seed file: %v", err)
	}
	var s seed
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Fatalf("Malformed seed file: %v", err)
	}
	if len(s.Wallets) == 0 {
		log.Fatal("Seed file has no wallets")
	}
	requested, err := decimal.NewFromString(amount)
	if err != nil {
		log.Fatalf("Invalid -amount: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	before, err := fetchOffer(client, s.OfferID)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Starting Benchmark: offer %s | Workers: %d | Requests: %d", s.OfferID, concurrency, requests)

	var (
		mu       sync.Mutex
		accepted = decimal.Zero
		partials int
		sentKeys []string
		next     int64
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for {
				n := atomic.AddInt64(&next, 1)
				if n > int64(requests) || gctx.Err() != nil {
					return nil
				}

				key := fmt.Sprintf("bench-%s-%d", s.OfferID, n)
				mu.Lock()
				if len(sentKeys) > 0 && rng.Float64() < replayRate {
					key = sentKeys[rng.Intn(len(sentKeys))]
				} else {
					sentKeys = append(sentKeys, key)
				}
				mu.Unlock()

				wallet := s.Wallets[rng.Intn(len(s.Wallets))]
				res, code, err := allocate(client, s.OfferID, wallet, requested, key)
				if err != nil {
					atomic.AddUint64(&failOther, 1)
					continue
				}
				switch code {
				case http.StatusCreated:
					atomic.AddUint64(&created, 1)
					mu.Lock()
					accepted = accepted.Add(res.AcceptedAmount)
					if res.Partial {
						partials++
					}
					mu.Unlock()
				case http.StatusOK:
					atomic.AddUint64(&replayed, 1)
				case http.StatusConflict:
					atomic.AddUint64(&conflicts, 1)
				case http.StatusUnprocessableEntity:
					atomic.AddUint64(&rejected, 1)
				default:
					atomic.AddUint64(&failOther, 1)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	elapsed := time.Since(start)

	after, err := fetchOffer(client, s.OfferID)
	if err != nil {
		log.Fatal(err)
	}
	delta := after.CommittedAmount.Sub(before.CommittedAmount)
	consistent := delta.Equal(accepted) && !after.CommittedAmount.GreaterThan(after.MaxAmount)

	total := atomic.LoadUint64(&created) + atomic.LoadUint64(&replayed) + atomic.LoadUint64(&conflicts) +
		atomic.LoadUint64(&rejected) + atomic.LoadUint64(&failOther)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"duration", elapsed.Round(time.Millisecond).String()})
	table.Append([]string{"requests", fmt.Sprint(total)})
	table.Append([]string{"throughput (req/s)", fmt.Sprintf("%.2f", float64(total)/elapsed.Seconds())})
	table.Append([]string{"201 created", fmt.Sprint(atomic.LoadUint64(&created))})
	table.Append([]string{"  of which partial", fmt.Sprint(partials)})
	table.Append([]string{"200 replayed", fmt.Sprint(atomic.LoadUint64(&replayed))})
	table.Append([]string{"409 offer full / not live", fmt.Sprint(atomic.LoadUint64(&conflicts))})
	table.Append([]string{"422 rejected", fmt.Sprint(atomic.LoadUint64(&rejected))})
	table.Append([]string{"other errors", fmt.Sprint(atomic.LoadUint64(&failOther))})
	table.Append([]string{"accepted (sum of 201s)", accepted.String()})
	table.Append([]string{"committed delta", delta.String()})
	table.Append([]string{"committed / max", after.CommittedAmount.String() + " / " + after.MaxAmount.String()})
	table.Append([]string{"consistent", fmt.Sprint(consistent)})
	table.Render()

	if !consistent {
		os.Exit(1)
	}
}

func fetchOffer(client *http.Client, id uuid.UUID) (offer, error) {
	resp, err := client.Get(targetURL + "/api/v1/offers/" + id.String())
	if err != nil {
		return offer{}, fmt.Errorf("fetch offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return offer{}, fmt.Errorf("fetch offer: status %d", resp.StatusCode)
	}
	var o offer
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return offer{}, fmt.Errorf("decode offer: %w", err)
	}
	return o, nil
}

func allocate(client *http.Client, offerID, wallet uuid.UUID, requested decimal.Decimal, key string) (allocation, int, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"wallet_account_id": wallet,
		"requested_amount":  requested,
	})
	req, err := http.NewRequest(http.MethodPost, targetURL+"/api/v1/offers/"+offerID.String()+"/allocations", bytes.NewReader(body))
	if err != nil {
		return allocation{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		return allocation{}, 0, err
	}
	defer resp.Body.Close()

	var res allocation
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return allocation{}, resp.StatusCode, err
		}
	}
	return res, resp.StatusCode, nil
}
