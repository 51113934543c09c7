//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	baseURL = "http://localhost:8080"
	baseLat = 12.9716
	baseLng = 77.5946
)

type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TotalLatency    int64
	MinLatency      int64
	MaxLatency      int64
}

func newStats() *Stats {
	return &Stats{MinLatency: int64(^uint64(0) >> 1)}
}

func (s *Stats) record(latency int64, ok bool) {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.AddInt64(&s.TotalLatency, latency)
	if !ok {
		atomic.AddInt64(&s.FailedRequests, 1)
		return
	}
	atomic.AddInt64(&s.SuccessRequests, 1)

	for {
		old := atomic.LoadInt64(&s.MinLatency)
		if latency >= old || atomic.CompareAndSwapInt64(&s.MinLatency, old, latency) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&s.MaxLatency)
		if latency <= old || atomic.CompareAndSwapInt64(&s.MaxLatency, old, latency) {
			break
		}
	}
}

func main() {
	rand.Seed(time.Now().UnixNano())

	fmt.Println("Tow Dispatch Load Test")
	fmt.Println("======================")

	fmt.Println("\n1. Bringing drivers online...")
	driverIDs := onlineDrivers(50)
	if len(driverIDs) == 0 {
		log.Fatal("No drivers came online")
	}
	fmt.Printf("%d drivers online\n", len(driverIDs))

	fmt.Println("\n2. Testing Location Updates (1000 updates, 50 concurrent)...")
	printStats("Location Updates", testLocationUpdates(driverIDs, 1000, 50))

	fmt.Println("\n3. Testing Job Lifecycle (one job per driver, run to completion)...")
	printStats("Job Lifecycle", testLifecycle(driverIDs))

	fmt.Println("\n4. Testing Assign Contention (20 jobs, 5 drivers racing each)...")
	testContention(driverIDs, 20, 5)

	fmt.Println("\nLoad test completed!")
}

func post(path string, payload interface{}) (int, []byte, int64, error) {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewBuffer(data)
	}

	start := time.Now()
	resp, err := http.Post(baseURL+path, "application/json", body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data, latency, nil
}

func randomPoint() map[string]float64 {
	return map[string]float64{
		"lat": baseLat + (rand.Float64()-0.5)*0.1,
		"lng": baseLng + (rand.Float64()-0.5)*0.1,
	}
}

func onlineDrivers(n int) []string {
	driverIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("load-truck-%03d", i+1)
		if code, _, _, err := post("/v1/drivers/"+id+"/online", nil); err != nil || code != http.StatusOK {
			continue
		}
		post("/v1/drivers/"+id+"/location", randomPoint())
		driverIDs = append(driverIDs, id)
	}
	return driverIDs
}

func createJob() (string, error) {
	code, body, _, err := post("/v1/jobs", map[string]interface{}{
		"pickup":  randomPoint(),
		"dropoff": randomPoint(),
		"source":  "app",
	})
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("create job: status %d", code)
	}
	var result map[string]interface{}
	json.Unmarshal(body, &result)
	id, _ := result["id"].(string)
	return id, nil
}

func testLocationUpdates(driverIDs []string, numRequests, concurrency int) *Stats {
	stats := newStats()
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(driverID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			code, _, latency, err := post("/v1/drivers/"+driverID+"/location", randomPoint())
			stats.record(latency, err == nil && code == http.StatusOK)
		}(driverIDs[rand.Intn(len(driverIDs))])
	}

	wg.Wait()
	return stats
}

// testLifecycle gives every driver its own job and walks it through to
// completion, so no two goroutines contend for a driver.
func testLifecycle(driverIDs []string) *Stats {
	stats := newStats()
	var wg sync.WaitGroup

	for _, driverID := range driverIDs {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()

			jobID, err := createJob()
			if err != nil {
				stats.record(0, false)
				return
			}
			driver := map[string]string{"driver_id": driverID}
			steps := []struct {
				path    string
				payload interface{}
			}{
				{"/assign", driver},
				{"/accept", driver},
				{"/arrive", nil},
				{"/start-tow", nil},
				{"/complete", nil},
			}
			for _, step := range steps {
				code, _, latency, err := post("/v1/jobs/"+jobID+step.path, step.payload)
				ok := err == nil && code == http.StatusOK
				stats.record(latency, ok)
				if !ok {
					return
				}
			}
		}(driverID)
	}

	wg.Wait()
	return stats
}

// testContention races several drivers for each job. Exactly one assign per
// job may win; anything else means the one-offer rule broke.
func testContention(driverIDs []string, numJobs, racers int) {
	var won, lost, violations int64

	for i := 0; i < numJobs; i++ {
		jobID, err := createJob()
		if err != nil {
			log.Printf("create job: %v", err)
			continue
		}

		var wins int64
		var wg sync.WaitGroup
		for _, idx := range rand.Perm(len(driverIDs))[:min(racers, len(driverIDs))] {
			wg.Add(1)
			go func(driverID string) {
				defer wg.Done()
				code, _, _, err := post("/v1/jobs/"+jobID+"/assign", map[string]string{"driver_id": driverID})
				if err == nil && code == http.StatusOK {
					atomic.AddInt64(&wins, 1)
				} else {
					atomic.AddInt64(&lost, 1)
				}
			}(driverIDs[idx])
		}
		wg.Wait()

		won += wins
		if wins != 1 {
			violations++
		}
		post("/v1/jobs/"+jobID+"/cancel", map[string]string{"reason": "load test"})
	}

	fmt.Printf("\nAssign Contention Results:\n")
	fmt.Printf("  Jobs:             %d\n", numJobs)
	fmt.Printf("  Winning assigns:  %d\n", won)
	fmt.Printf("  Refused assigns:  %d\n", lost)
	fmt.Printf("  Violations:       %d\n", violations)
}

func printStats(name string, stats *Stats) {
	avgLatency := float64(0)
	if stats.TotalRequests > 0 {
		avgLatency = float64(stats.TotalLatency) / float64(stats.TotalRequests)
	}

	fmt.Printf("\n%s Results:\n", name)
	fmt.Printf("  Total Requests:   %d\n", stats.TotalRequests)
	fmt.Printf("  Successful:       %d\n", stats.SuccessRequests)
	fmt.Printf("  Failed:           %d\n", stats.FailedRequests)
	if stats.TotalRequests > 0 {
		fmt.Printf("  Success Rate:     %.2f%%\n", float64(stats.SuccessRequests)/float64(stats.TotalRequests)*100)
	}
	fmt.Printf("  Avg Latency:      %.2f ms\n", avgLatency)
	if stats.MinLatency != int64(^uint64(0)>>1) {
		fmt.Printf("  Min Latency:      %d ms\n", stats.MinLatency)
	}
	fmt.Printf("  Max Latency:      %d ms\n", stats.MaxLatency)
}
