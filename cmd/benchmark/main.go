package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/logging"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accountFile string
	replayRate  float64
	advanceRate float64
	refundRate  float64
)

var (
	totalRequests uint64
	success200    uint64 // idempotent replays
	success201    uint64 // created
	fail409       uint64 // conflicts
	fail5xx       uint64 // transient, timeout, indeterminate
	failOther     uint64
	advanced      uint64
	refunded      uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&accountFile, "accounts", "accounts.txt", "File of account ids written by the seeder")
	flag.Float64Var(&replayRate, "replay", 0.1, "Fraction of submits that reuse the previous idempotency key")
	flag.Float64Var(&advanceRate, "advance", 0.5, "Fraction of created transactions advanced to SUCCESS")
	flag.Float64Var(&refundRate, "refund", 0.1, "Fraction of advanced transactions refunded")
}

func main() {
	flag.Parse()

	logger, err := logging.New("development", "info")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	accounts, err := loadAccounts(accountFile)
	if err != nil {
		logger.Fatal("load accounts", zap.Error(err))
	}
	if len(accounts) < 2 {
		logger.Fatal("need at least two accounts", zap.String("file", accountFile))
	}

	logger.Info("starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Duration("duration", duration),
		zap.Int("accounts", len(accounts)))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, accounts)
	}
	wg.Wait()

	printResults(logger, time.Since(start))
}

func loadAccounts(path string) ([]uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []uuid.UUID
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, sc.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, accounts []uuid.UUID) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	clientID := uuid.New()

	var lastKey string
	var lastDebit, lastCredit uuid.UUID
	for time.Since(start) < duration {
		debit, credit := pickAccounts(accounts)
		key := uuid.NewString()
		if lastKey != "" && rand.Float64() < replayRate {
			key, debit, credit = lastKey, lastDebit, lastCredit
		}
		lastKey, lastDebit, lastCredit = key, debit, credit

		body, _ := json.Marshal(map[string]any{
			"debit_account_id":  debit,
			"credit_account_id": credit,
			"amount_minor":      100,
			"currency":          "USD",
		})
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Client-ID", clientID.String())

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)

		var created struct {
			ID uuid.UUID `json:"id"`
		}
		switch {
		case resp.StatusCode == http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			if json.NewDecoder(resp.Body).Decode(&created) == nil && rand.Float64() < advanceRate {
				advance(client, created.ID)
			}
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case resp.StatusCode >= 500:
			atomic.AddUint64(&fail5xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func advance(client *http.Client, id uuid.UUID) {
	body := bytes.NewReader([]byte(`{"outcome":"SUCCESS"}`))
	if !post(client, fmt.Sprintf("%s/api/v1/transactions/%s/advance", targetURL, id), body) {
		return
	}
	atomic.AddUint64(&advanced, 1)

	if rand.Float64() < refundRate && post(client, fmt.Sprintf("%s/api/v1/transactions/%s/refund", targetURL, id), nil) {
		atomic.AddUint64(&refunded, 1)
	}
}

func post(client *http.Client, url string, body io.Reader) bool {
	resp, err := client.Post(url, "application/json", body)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func pickAccounts(accounts []uuid.UUID) (uuid.UUID, uuid.UUID) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of traffic between the first two accounts
		if rand.Float32() < 0.5 {
			return accounts[0], accounts[1]
		}
		return accounts[1], accounts[0]
	}

	a := rand.IntN(len(accounts))
	b := rand.IntN(len(accounts))
	for a == b {
		b = rand.IntN(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(logger *zap.Logger, d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&fail409)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}
	results := map[string]any{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  float64(total) / d.Seconds(),
		"success_created": atomic.LoadUint64(&success201),
		"success_replay":  atomic.LoadUint64(&success200),
		"aborts_conflict": f409,
		"abort_rate_pct":  abortRate,
		"server_errors":   atomic.LoadUint64(&fail5xx),
		"errors":          atomic.LoadUint64(&failOther),
		"advanced":        atomic.LoadUint64(&advanced),
		"refunded":        atomic.LoadUint64(&refunded),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results) //nolint:errcheck

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Error("save results", zap.Error(err))
		return
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(results); err != nil {
		logger.Error("save results", zap.Error(err))
	}
}
