package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/workerlink/internal/transport/pipe"
	"github.com/ocx/workerlink/internal/worker"
	"github.com/ocx/workerlink/pkg/sdk"
)

// asker is what the load test drives: the in-process client or the gateway.
type asker interface {
	ExampleAskDeepThought(ctx context.Context, question string) (int, error)
}

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumCalls       int
	Concurrency    int
	GatewayURL     string
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalCalls          uint64
	Answered            uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numCalls := flag.Int("calls", 10000, "Number of calls to issue")
	concurrency := flag.Int("concurrency", 100, "Number of concurrent callers")
	gateway := flag.String("gateway", "", "Gateway URL (empty = in-process worker over a pipe)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumCalls:       *numCalls,
		Concurrency:    *concurrency,
		GatewayURL:     *gateway,
		ReportInterval: *reportInterval,
	}

	target, closeTarget, err := openTarget(config)
	if err != nil {
		log.Fatalf("Failed to open target: %v", err)
	}
	defer closeTarget()

	slog.Info("Starting workerlink load test", "calls", config.NumCalls, "concurrency", config.Concurrency, "gateway", config.GatewayURL)
	stats := runLoadTest(target, config)
	printResults(stats)
}

func openTarget(config LoadTestConfig) (asker, func(), error) {
	if config.GatewayURL != "" {
		return sdk.NewGatewayClient(sdk.GatewayConfig{GatewayURL: config.GatewayURL}), func() {}, nil
	}

	controller, workerEnd := pipe.New(config.Concurrency)
	d := worker.NewDispatcher(nil)
	worker.RegisterDefaults(d)
	go d.Serve(context.Background(), workerEnd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := sdk.CreateClient(ctx, controller)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func runLoadTest(target asker, config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{MinLatency: time.Hour}
	latencies := make([]time.Duration, 0, config.NumCalls)
	var latenciesMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, &latenciesMu, config.ReportInterval)

	calls := make(chan int, config.Concurrency)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range calls {
				start := time.Now()
				answer, err := target.ExampleAskDeepThought(ctx, fmt.Sprintf("question %d", n))
				latency := time.Since(start)

				atomic.AddUint64(&stats.TotalCalls, 1)
				if err != nil || answer != worker.DeepThoughtAnswer {
					atomic.AddUint64(&stats.Failed, 1)
				} else {
					atomic.AddUint64(&stats.Answered, 1)
				}

				latenciesMu.Lock()
				latencies = append(latencies, latency)
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				if latency < stats.MinLatency {
					stats.MinLatency = latency
				}
				latenciesMu.Unlock()
			}
		}()
	}

	for i := 0; i < config.NumCalls; i++ {
		calls <- i
	}
	close(calls)
	wg.Wait()

	stats.TotalDuration = time.Since(startTime)
	stats.ThroughputPerSecond = float64(stats.TotalCalls) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func reportStats(ctx context.Context, stats *LoadTestStats, mu *sync.Mutex, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mu.Lock()
			minLatency, maxLatency := stats.MinLatency, stats.MaxLatency
			mu.Unlock()
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalCalls),
				"answered", atomic.LoadUint64(&stats.Answered),
				"failed", atomic.LoadUint64(&stats.Failed),
				"min_latency", minLatency, "max_latency", maxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	total := float64(stats.TotalCalls)
	if total == 0 {
		total = 1
	}

	fmt.Println("\n" + separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Calls:            %d\n", stats.TotalCalls)
	fmt.Printf("Answered:               %d (%.2f%%)\n", stats.Answered, float64(stats.Answered)/total*100)
	fmt.Printf("Failed:                 %d (%.2f%%)\n", stats.Failed, float64(stats.Failed)/total*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f calls/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := int(float64(len(sorted)) * float64(p) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
