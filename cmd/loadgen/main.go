// loadgen drives the intake endpoint at a paced request rate using
// keep-alive connections and reports status counts, throughput and
// latency percentiles.
//
// Usage:
//
//	loadgen -base=http://127.0.0.1:8080 -rps=200 -duration=30s -c=64
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL of the api process")
		rps      = flag.Int("rps", 200, "Target requests per second")
		duration = flag.Duration("duration", 30*time.Second, "How long to run")
		conc     = flag.Int("c", 64, "Number of concurrent senders")
		text     = flag.String("text", "load test message", "SMS text to send")
	)
	flag.Parse()

	if *rps <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-rps and -c must be > 0")
		os.Exit(2)
	}

	// Connection reuse keeps the generator itself from becoming the bottleneck.
	tr := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     30 * time.Second,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *rps/10+1)

	var (
		sent     int64
		mu       sync.Mutex
		statuses = make(map[int]int64)
		lats     []time.Duration
	)

	record := func(status int, lat time.Duration) {
		mu.Lock()
		statuses[status]++
		lats = append(lats, lat)
		mu.Unlock()
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				n := atomic.AddInt64(&sent, 1)
				body := fmt.Sprintf(`{"phone":"+1555%07d","text":"%s #%d"}`, n%10000000, *text, n)

				reqStart := time.Now()
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, *base+"/api/v1/sms", bytes.NewReader([]byte(body)))
				req.Header.Set("Content-Type", "application/json")

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					// Status 0 buckets transport-level failures.
					record(0, time.Since(reqStart))
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				record(resp.StatusCode, time.Since(reqStart))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	total := atomic.LoadInt64(&sent)
	fmt.Printf("LoadGen: rps=%d c=%d Duration=%s Sent=%d Throughput=%.0f req/s\n",
		*rps, *conc, elapsed.Truncate(time.Millisecond), total, float64(total)/elapsed.Seconds())

	codes := make([]int, 0, len(statuses))
	for code := range statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		label := fmt.Sprintf("%d", code)
		if code == 0 {
			label = "err"
		}
		fmt.Printf("  %-4s %d\n", label, statuses[code])
	}

	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	fmt.Printf("Latency: p50=%s p95=%s p99=%s\n",
		percentile(lats, 50), percentile(lats, 95), percentile(lats, 99))
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Truncate(time.Millisecond)
}
