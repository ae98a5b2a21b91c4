package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	totalUsers  int
)

var (
	totalRequests uint64
	awarded201    uint64
	skipped200    uint64 // duplicates and other skips
	invalid422    uint64
	failed503     uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | duplicate")
	flag.IntVar(&totalUsers, "users", 1000, "Number of seeded users")
}

func main() {
	flag.Parse()
	logger := log.NewHelper(log.With(log.NewStdLogger(os.Stderr), "ts", log.DefaultTimestamp, "cmd", "benchmark"))
	logger.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}
	wg.Wait()

	if err := printResults(time.Since(start)); err != nil {
		logger.Errorf("writing results: %v", err)
	}
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		userID, documentID := nextAward()
		body, _ := json.Marshal(map[string]any{
			"user_id":  userID,
			"action":   "document_upload",
			"metadata": map[string]any{"document_id": documentID},
		})

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/awards", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&awarded201, 1)
		case http.StatusOK:
			atomic.AddUint64(&skipped200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&invalid422, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&failed503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// nextAward picks a user and document for the configured workload.
func nextAward() (int64, string) {
	switch workload {
	case "hotspot":
		// 90% of traffic lands on user 1
		if rand.Float32() < 0.90 {
			return 1, uuid.NewString()
		}
	case "duplicate":
		// a small document pool so most requests collapse onto existing keys
		return int64(rand.Intn(10) + 1), fmt.Sprintf("doc-%d", rand.Intn(50))
	}
	return int64(rand.Intn(totalUsers) + 1), uuid.NewString()
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&awarded201)
	s200 := atomic.LoadUint64(&skipped200)
	f503 := atomic.LoadUint64(&failed503)

	var failureRate float64
	if total > 0 {
		failureRate = float64(f503) / float64(total) * 100
	}

	results := map[string]any{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   float64(total) / d.Seconds(),
		"awarded":          s201,
		"skipped":          s200,
		"invalid":          atomic.LoadUint64(&invalid422),
		"failed":           f503,
		"failure_rate_pct": failureRate,
		"errors":           atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
