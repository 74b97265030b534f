// Command chainauth-racecheck races concurrent rotations of the same chain tip
// against a Redis chain store and checks that every round has exactly one
// winner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth/chain"
)

func main() {
	var (
		chains    = flag.Int("chains", 1000, "number of independent chains")
		rounds    = flag.Int("rounds", 20, "rotation rounds per chain")
		racers    = flag.Int("racers", 8, "concurrent rotations per round")
		workers   = flag.Int("workers", 64, "chains processed in parallel")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix    = flag.String("prefix", "racecheck", "chain key prefix")
	)
	flag.Parse()

	if *chains <= 0 || *rounds <= 0 || *racers <= 1 || *workers <= 0 {
		fmt.Fprintln(os.Stderr, "chains, rounds and workers must be > 0 and racers > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := chain.NewRedisStore(client, *prefix, chain.WithRetention(time.Hour))

	res := run(ctx, store, *chains, *rounds, *racers, *workers)
	fmt.Println("---- results ----")
	printResult(res)
	if res.violations > 0 || res.storeErrors > 0 {
		os.Exit(1)
	}
}

type result struct {
	rounds      int64
	violations  int64
	storeErrors int64
	reused      int64
	total       time.Duration
	latencies   []time.Duration
}

func run(ctx context.Context, store *chain.RedisStore, chains, rounds, racers, workers int) result {
	var (
		wg        sync.WaitGroup
		cursor    int64
		res       result
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, chains*rounds*racers)
	)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= chains {
					return
				}
				samples, stats := raceChain(ctx, store, fmt.Sprintf("subject-%d", i), rounds, racers)
				atomic.AddInt64(&res.rounds, stats.rounds)
				atomic.AddInt64(&res.violations, stats.violations)
				atomic.AddInt64(&res.storeErrors, stats.storeErrors)
				atomic.AddInt64(&res.reused, stats.reused)

				mu.Lock()
				latencies = append(latencies, samples...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	res.total = time.Since(start)
	res.latencies = latencies
	return res
}

type chainStats struct {
	rounds      int64
	violations  int64
	storeErrors int64
	reused      int64
}

// raceChain opens a chain and, for each round, lets racers rotate the current
// tip at once. The single winner's record becomes the next tip.
func raceChain(ctx context.Context, store *chain.RedisStore, subject string, rounds, racers int) ([]time.Duration, chainStats) {
	var stats chainStats
	samples := make([]time.Duration, 0, rounds*racers)

	head, err := store.CreateHead(ctx, uuid.NewString(), subject)
	if err != nil {
		stats.storeErrors++
		return samples, stats
	}
	tip := head.TokenID

	for r := 0; r < rounds; r++ {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			barrier = make(chan struct{})
			local   = make([]time.Duration, racers)
		)
		for k := 0; k < racers; k++ {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				<-barrier
				next := uuid.NewString()
				t0 := time.Now()
				_, err := store.Rotate(ctx, tip, next)
				local[k] = time.Since(t0)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, next)
				case errors.Is(err, chain.ErrStaleOrReused):
					stats.reused++
				default:
					stats.storeErrors++
				}
			}(k)
		}
		close(barrier)
		wg.Wait()

		samples = append(samples, local...)
		stats.rounds++
		if len(winners) != 1 {
			stats.violations++
			return samples, stats
		}
		tip = winners[0]
	}

	recs, err := chain.Walk(ctx, store, head.TokenID, 0)
	if err != nil || len(recs) != rounds+1 {
		stats.violations++
	}
	return samples, stats
}

func printResult(r result) {
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	opsPerS := 0.0
	if r.total > 0 {
		opsPerS = float64(len(r.latencies)) / r.total.Seconds()
	}
	fmt.Printf("rounds=%d violations=%d store_errors=%d reused=%d\n", r.rounds, r.violations, r.storeErrors, r.reused)
	fmt.Printf("rotate: ops=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		len(r.latencies),
		r.total.Round(time.Millisecond),
		opsPerS,
		percentile(r.latencies, 50).Round(time.Microsecond),
		percentile(r.latencies, 95).Round(time.Microsecond),
		percentile(r.latencies, 99).Round(time.Microsecond),
	)
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}
