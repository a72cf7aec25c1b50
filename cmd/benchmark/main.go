package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	rounds      int
	gameID      string
	userID      string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	fail409       uint64 // already settled
	fail5xx       uint64
	failOther     uint64
	refunded      uint64
	inFlight      uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Concurrent duplicate cancel requests per round")
	flag.IntVar(&rounds, "rounds", 3, "Number of rounds")
	flag.StringVar(&gameID, "game", "demo-game", "Game to cancel")
	flag.StringVar(&userID, "user", "bench", "Acting admin user id")
}

type cancelReport struct {
	Refunded int `json:"refunded"`
	InFlight int `json:"in_flight"`
}

func main() {
	flag.Parse()
	log.Printf("Starting cancel contention: game %s | Workers: %d | Rounds: %d", gameID, concurrency, rounds)

	start := time.Now()
	for r := 0; r < rounds; r++ {
		var wg sync.WaitGroup
		wg.Add(concurrency)
		gate := make(chan struct{})
		for i := 0; i < concurrency; i++ {
			go worker(&wg, gate)
		}
		close(gate)
		wg.Wait()
	}
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, gate <-chan struct{}) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Minute}
	<-gate

	req, _ := http.NewRequest("POST", fmt.Sprintf("%s/api/v1/games/%s/cancel", targetURL, gameID), nil)
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-User-Roles", "admin")

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch {
	case resp.StatusCode == 200:
		atomic.AddUint64(&success200, 1)
		var rep cancelReport
		if json.NewDecoder(resp.Body).Decode(&rep) == nil {
			atomic.AddUint64(&refunded, uint64(rep.Refunded))
			atomic.AddUint64(&inFlight, uint64(rep.InFlight))
		}
	case resp.StatusCode == 409:
		atomic.AddUint64(&fail409, 1)
	case resp.StatusCode >= 500:
		atomic.AddUint64(&fail5xx, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	results := map[string]interface{}{
		"game":              gameID,
		"duration_sec":      d.Seconds(),
		"total_requests":    atomic.LoadUint64(&totalRequests),
		"ok":                atomic.LoadUint64(&success200),
		"conflict":          atomic.LoadUint64(&fail409),
		"server_errors":     atomic.LoadUint64(&fail5xx),
		"errors":            atomic.LoadUint64(&failOther),
		"refunds_reported":  atomic.LoadUint64(&refunded),
		"in_flight_reports": atomic.LoadUint64(&inFlight),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	file, err := os.Create(fmt.Sprintf("results_cancel_%s.json", gameID))
	if err != nil {
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
