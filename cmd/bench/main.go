//go:build unix

// Command bench runs a synthetic workload against the tiered cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/tiercache/cache"
	"github.com/IvanBrykalov/tiercache/codec"
	"github.com/IvanBrykalov/tiercache/disk"
	"github.com/IvanBrykalov/tiercache/kv"
	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/memory"
	pmet "github.com/IvanBrykalov/tiercache/metrics/prom"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---- Flags ----
	var (
		dir       = flag.String("dir", "", "cache root (empty = temporary directory)")
		memCount  = flag.Int("mem_count", 50_000, "memory tier entry limit")
		memCost   = flag.Int64("mem_cost", 0, "memory tier byte limit (0 = unlimited)")
		diskCost  = flag.Int64("disk_cost", 256<<20, "disk tier byte limit (0 = unlimited)")
		mode      = flag.String("mode", "auto", "storage mode: auto | relational | file")
		threshold = flag.Int("inline", disk.DefaultInlineThreshold, "largest inline value in auto mode (bytes)")
		compress  = flag.Bool("zstd", false, "zstd-compress values on disk")

		workers   = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration  = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct   = flag.Int("reads", 80, "read percentage [0..100]")
		asyncPct  = flag.Int("async", 50, "share of writes queued with SetAsync [0..100]")
		valueSize = flag.Int("value", 1024, "value size (bytes)")

		keys    = flag.Int("keys", 200_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = mem_count/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr; empty = disabled")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	if *verbose {
		ll.Set(slog.LevelDebug)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	var storage kv.Mode
	switch *mode {
	case "auto":
		storage = kv.ModeAuto
	case "relational":
		storage = kv.ModeRelational
	case "file":
		storage = kv.ModeFile
	default:
		return fmt.Errorf("unknown mode %q (use auto, relational or file)", *mode)
	}

	root := *dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "tiercache-bench-")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		root = tmp
	}

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			logger.Info("pprof: serving", "addr", *pprofAddr)
			logger.Error("pprof", "err", http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	memMetrics := pmet.New(nil, "tiercache", "memory", nil)
	diskMetrics := pmet.New(nil, "tiercache", "disk", nil)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics: serving", "addr", *metricsAddr)
			logger.Error("metrics", "err", http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// SIGUSR1 simulates memory pressure; SIGTERM invalidates the store.
	hub := lifecycle.NewHub()
	lifecycle.NotifyOS(ctx, hub, map[os.Signal]lifecycle.Event{
		syscall.SIGTERM: lifecycle.Terminate,
		syscall.SIGUSR1: lifecycle.LowMemory,
	})
	terminated := make(chan struct{})
	var termOnce sync.Once
	unsubscribe := hub.Subscribe(func(e lifecycle.Event) {
		if e == lifecycle.Terminate {
			termOnce.Do(func() { close(terminated) })
		}
	})
	defer unsubscribe()

	// ---- Build cache ----
	var vc codec.Codec[[]byte] = codec.Bytes{}
	if *compress {
		vc = codec.Compressed[[]byte](codec.Bytes{})
	}
	c, err := cache.New[string, []byte](root, cache.Options[string, []byte]{
		Memory: memory.Options[string, []byte]{
			CountLimit:       *memCount,
			CostLimit:        *memCost,
			Cost:             func(v []byte) int64 { return int64(len(v)) },
			ClearOnLowMemory: true,
			Metrics:          memMetrics,
		},
		Disk: disk.Options[string, []byte]{
			Codec:           vc,
			Mode:            storage,
			InlineThreshold: *threshold,
			CostLimit:       *diskCost,
			Metrics:         diskMetrics,
		},
		Events: hub,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	// ---- Preload to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *memCount / 2
	}
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	for i := 0; i < pl; i++ {
		c.SetAsync("k:"+strconv.Itoa(i), value, nil)
	}
	c.Flush()

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	asyncPctVal := *asyncPct
	keysMax := uint64(max(*keys-1, 1))
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := max(*workers, 1)

	// ---- Load generation ----
	var reads, writes, hits, misses, failed, total atomic.Uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	go func() {
		select {
		case <-terminated:
			logger.Warn("terminate received, stopping")
			cancel()
		case <-runCtx.Done():
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for runCtx.Err() == nil {
				total.Add(1)
				if int(localR.Int31n(100)) < readPctVal {
					reads.Add(1)
					if _, ok := c.Get(runCtx, keyByZipf()); ok {
						hits.Add(1)
					} else {
						misses.Add(1)
					}
					continue
				}
				writes.Add(1)
				k := keyByZipf()
				if int(localR.Int31n(100)) < asyncPctVal {
					c.SetAsync(k, value, func(ok bool) {
						if !ok {
							failed.Add(1)
						}
					})
				} else if !c.Set(runCtx, k, value) {
					failed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	c.Flush()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := total.Load()
	readsN := reads.Load()
	hitsN := hits.Load()

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("mode=%s mem_count=%d disk_cost=%d workers=%d keys=%d value=%d dur=%v seed=%d\n",
		storage, *memCount, *diskCost, workersN, *keys, *valueSize, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  failed=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writes.Load(), failed.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, misses.Load(), hitRate)

	bg := context.Background()
	fmt.Printf("memory: len=%d cost=%d  disk: count=%d cost=%d\n",
		c.Memory().Len(), c.Memory().Cost(), c.Disk().Count(bg), c.Disk().Cost(bg))

	select {
	case <-terminated:
		return errors.New("terminated")
	default:
	}
	return nil
}
