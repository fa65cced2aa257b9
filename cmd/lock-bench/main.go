package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tether/v1/core"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Competing lock handles")
	requests    = flag.Int("n", 2000, "Total acquisitions")
	target      = flag.String("target", "all", "Target: reentrant, write")
	redisAddr   = flag.String("redis-addr", "", "Redis address; empty starts an embedded miniredis")
	leaseTime   = flag.Duration("lease", 5*time.Second, "Lock lease")
	hold        = flag.Duration("hold", 0, "Time spent inside the critical section")
)

func main() {
	flag.Parse()

	addr := *redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		addr = mr.Addr()
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"reentrant", "write"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-8s |\n", "Lock", "Ops/sec", "Avg Wait", "P99 Wait", "Overlaps")
	fmt.Println("|:---|:---|:---|:---|:---|")
	for _, t := range targets {
		if err := run(strings.TrimSpace(t), addr); err != nil {
			log.Printf("%s: %v", t, err)
		}
	}
}

func run(kind, addr string) error {
	c := presets.NewRedis(presets.RedisOptions{Addr: addr}, core.WithLease(*leaseTime))
	defer c.Close()

	var newHandle func(name string) *lock.Mutex
	switch kind {
	case "reentrant":
		newHandle = func(name string) *lock.Mutex { return c.Mutex(name) }
	case "write":
		newHandle = func(name string) *lock.Mutex { return c.WriteLock(name) }
	default:
		return fmt.Errorf("unknown target")
	}

	per := *requests / *concurrency
	if per == 0 {
		return fmt.Errorf("-n must be at least -c")
	}
	name := "bench:" + kind
	latencies := make([]time.Duration, per*(*concurrency))
	var inside, overlaps atomic.Int64

	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		m := newHandle(name)
		offset := i * per
		g.Go(func() error {
			for j := 0; j < per; j++ {
				t0 := time.Now()
				if err := m.Lock(ctx); err != nil {
					return err
				}
				latencies[offset+j] = time.Since(t0)
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				if *hold > 0 {
					time.Sleep(*hold)
				}
				inside.Add(-1)
				if err := m.Unlock(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	ops := len(latencies)
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99 := latencies[min(int(float64(ops)*0.99), ops-1)]

	fmt.Printf("| %-10s | %-10.0f | %-12s | %-12s | %-8d |\n",
		kind, float64(ops)/elapsed.Seconds(), total/time.Duration(ops), p99, overlaps.Load())
	return nil
}
