// Command benchmark drives a mixed write/read load against a kv-node.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type stats struct {
	writes   atomic.Int64
	reads    atomic.Int64
	notFound atomic.Int64
	limited  atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) record(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	return s.latencies[int(float64(len(s.latencies)-1)*p)]
}

func main() {
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "test duration")
	target := flag.String("addr", "http://localhost:8080", "node base URL")
	keys := flag.Int("keys", 10000, "key space size")
	writeRatio := flag.Float64("write-ratio", 0.5, "fraction of operations that write")
	asOfRatio := flag.Float64("as-of-ratio", 0.2, "fraction of reads that query a past timestamp")
	flag.Parse()

	base := strings.TrimRight(*target, "/")
	fmt.Printf("Starting benchmark: %d workers, %v duration, target %s\n", *concurrency, *duration, base)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	var st stats
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			for ctx.Err() == nil {
				key := fmt.Sprintf("user%d", rng.Intn(*keys))

				var req *http.Request
				write := rng.Float64() < *writeRatio
				if write {
					body := fmt.Sprintf(`{%q:{"n":%d,"worker":%d}}`, key, rng.Intn(1000), id)
					req, _ = http.NewRequestWithContext(ctx, http.MethodPost, base+"/object", bytes.NewBufferString(body))
					req.Header.Set("Content-Type", "application/json")
				} else {
					url := base + "/object/" + key
					if rng.Float64() < *asOfRatio {
						url += fmt.Sprintf("?timestamp=%d", time.Now().Unix()-int64(rng.Intn(60)))
					}
					req, _ = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				}

				opStart := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if n := st.errors.Add(1); n <= 5 {
						fmt.Printf("error: %v\n", err)
					}
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				st.record(time.Since(opStart))

				switch {
				case resp.StatusCode == http.StatusTooManyRequests:
					st.limited.Add(1)
				case resp.StatusCode == http.StatusNotFound && !write:
					st.notFound.Add(1)
				case resp.StatusCode >= 400:
					if n := st.errors.Add(1); n <= 5 {
						fmt.Printf("error: %s %s -> %d\n", req.Method, req.URL.Path, resp.StatusCode)
					}
				case write:
					st.writes.Add(1)
				default:
					st.reads.Add(1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	ops := st.writes.Load() + st.reads.Load() + st.notFound.Load()

	fmt.Println("Benchmark finished.")
	fmt.Printf("Writes:       %d\n", st.writes.Load())
	fmt.Printf("Reads:        %d (%d not found)\n", st.reads.Load()+st.notFound.Load(), st.notFound.Load())
	fmt.Printf("Rate limited: %d\n", st.limited.Load())
	fmt.Printf("Errors:       %d\n", st.errors.Load())
	fmt.Printf("Duration:     %v\n", elapsed)
	fmt.Printf("RPS:          %.2f\n", float64(ops)/elapsed.Seconds())
	fmt.Printf("Latency p50:  %v\n", st.percentile(0.50))
	fmt.Printf("Latency p99:  %v\n", st.percentile(0.99))
}
