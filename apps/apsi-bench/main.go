//
// main.go
//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Command apsi-bench drives SenderDB insert and query throughput
// in-process, against the same Engine/DB types apsi-sender serves
// over the wire, so the crypto cost is measured without network or
// framing overhead. With -live it also streams per-query latency
// samples to any connected websocket client for a live dashboard.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/env"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he/refhe"
	"github.com/markkurossi/apsi/oprf/hmacoprf"
	"github.com/markkurossi/apsi/powers"
	"github.com/markkurossi/apsi/query"
	"github.com/markkurossi/apsi/senderdb"
	"github.com/markkurossi/apsi/wpool"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	paramsPath := flag.String("params", "", "PSIParams YAML path (required)")
	itemCount := flag.Int("items", 10000, "number of items to insert before querying")
	queryCount := flag.Int("queries", 100, "number of queries to run")
	workers := flag.Int("workers", 0, "worker pool size (0 = GOMAXPROCS)")
	labelBytes := flag.Int("label-bytes", 16, "label size in bytes, 0 for an unlabeled database")
	nonceBytes := flag.Int("nonce-bytes", 4, "label nonce size in bytes")
	modulus := flag.Uint64("modulus", 65537, "plaintext modulus for the reference HE evaluator")
	slotCount := flag.Int("slot-count", 4096, "SIMD slot count for the reference HE evaluator")
	maxLevel := flag.Int("max-level", 2, "modulus-switch depth for the reference HE evaluator")
	secret := flag.String("secret", envOr("APSI_OPRF_SECRET", "apsi-bench-secret"), "OPRF secret")
	live := flag.Bool("live", false, "stream per-query latency samples over a websocket")
	liveAddr := flag.String("live-addr", ":8090", "listen address for -live's /ws endpoint")
	flag.Parse()

	if *paramsPath == "" {
		log.Fatal("apsi-bench: -params is required")
	}

	if err := run(benchConfig{
		paramsPath: *paramsPath, itemCount: *itemCount, queryCount: *queryCount,
		workers: *workers, labelBytes: *labelBytes, nonceBytes: *nonceBytes,
		modulus: *modulus, slotCount: *slotCount, maxLevel: *maxLevel,
		secret: *secret, live: *live, liveAddr: *liveAddr,
	}); err != nil {
		log.Fatal(err)
	}
}

type benchConfig struct {
	paramsPath             string
	itemCount, queryCount  int
	workers                int
	labelBytes, nonceBytes int
	modulus                uint64
	slotCount, maxLevel    int
	secret                 string
	live                   bool
	liveAddr               string
}

func run(cfg benchConfig) error {
	psiParams, err := apsiproto.LoadPSIParamsYAML(cfg.paramsPath)
	if err != nil {
		return err
	}

	enc := refhe.New(felt.Felt(cfg.modulus), cfg.slotCount, cfg.maxLevel)
	dbParams, err := senderdb.DeriveParams(psiParams, enc, cfg.labelBytes, cfg.nonceBytes)
	if err != nil {
		return err
	}
	oprfFn, err := hmacoprf.New([]byte(cfg.secret), cfg.itemCount+1024)
	if err != nil {
		return err
	}
	runtimeCfg := &env.Config{Pool: wpool.New(cfg.workers)}
	pool := runtimeCfg.GetPool()

	bucketCount := nextPow2(uint32(cfg.itemCount)*2 + 16)
	db, err := senderdb.New(dbParams, enc, oprfFn, []byte(cfg.secret), pool, 8, bucketCount, 50)
	if err != nil {
		return err
	}

	var hub *liveHub
	if cfg.live {
		hub = newLiveHub()
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.handle)
		srv := &http.Server{Addr: cfg.liveAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("apsi-bench: live server: %s\n", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("apsi-bench: streaming live latency samples on ws://%s/ws\n", cfg.liveAddr)
	}

	raws := make([][]byte, cfg.itemCount)
	entries := make([]senderdb.Entry, cfg.itemCount)
	rng := rand.New(rand.NewSource(1))
	for i := range entries {
		raws[i] = []byte(fmt.Sprintf("bench-item-%d", i))
		entries[i] = senderdb.Entry{Raw: raws[i], Label: randomLabel(rng, cfg.labelBytes)}
	}

	insertStart := time.Now()
	if err := db.InsertOrAssign(entries); err != nil {
		return fmt.Errorf("apsi-bench: insert: %w", err)
	}
	insertDur := time.Since(insertStart)
	fmt.Printf("insert: %d items in %s (%.0f items/sec)\n",
		cfg.itemCount, insertDur, float64(cfg.itemCount)/insertDur.Seconds())

	dag, err := powers.NewDag([]uint32{1}, psiParams.QueryParams.QueryPowers)
	if err != nil {
		return err
	}
	engine := query.NewEngine(db, enc, dag, pool)

	params := db.Params()
	latencies := make([]time.Duration, 0, cfg.queryCount)
	for q := 0; q < cfg.queryCount; q++ {
		raw := raws[rng.Intn(len(raws))]
		req, err := buildQueryRequest(enc, oprfFn, raw, params.FeltsPerItem,
			params.ItemsPerBundle, params.BundleIdxCount, params.Modulus)
		if err != nil {
			return fmt.Errorf("apsi-bench: build query %d: %w", q, err)
		}

		out := make(chan apsiproto.ResultPackage, 16)
		start := time.Now()
		errCh := make(chan error, 1)
		go func() { errCh <- engine.Serve(req, out) }()
		for range out {
		}
		if err := <-errCh; err != nil {
			return fmt.Errorf("apsi-bench: query %d: %w", q, err)
		}
		latency := time.Since(start)
		latencies = append(latencies, latency)

		if hub != nil {
			hub.broadcast(latencySample{Query: q, LatencyMS: float64(latency.Microseconds()) / 1000})
		}
	}

	printLatencyReport(latencies)
	return nil
}

// buildQueryRequest algebraizes raw's hashed item, encrypts it
// replicated into every slot group of one bundle's plaintext, and
// reuses that single ciphertext at every bundle index. This mirrors
// query/query_test.go's repeatedQueryCiphertext helper: the point of
// a throughput benchmark is to pay the full per-bundle homomorphic
// evaluation cost, not to reproduce the receiver's cuckoo placement of
// raw into a single real bundle index.
func buildQueryRequest(enc *refhe.Evaluator, oprfFn *hmacoprf.OPRF, raw []byte,
	feltsPerItem, itemsPerBundle, bundleIdxCount int, modulus felt.Felt) (apsiproto.QueryRequest, error) {

	item, _, err := oprfFn.Evaluate(raw)
	if err != nil {
		return apsiproto.QueryRequest{}, err
	}
	algItem, err := felt.AlgebraizeItem(item, feltsPerItem, modulus)
	if err != nil {
		return apsiproto.QueryRequest{}, err
	}

	values := make([]felt.Felt, itemsPerBundle*feltsPerItem)
	for g := 0; g < itemsPerBundle; g++ {
		copy(values[g*feltsPerItem:(g+1)*feltsPerItem], algItem)
	}
	pt, err := enc.Encode(values)
	if err != nil {
		return apsiproto.QueryRequest{}, err
	}
	ct, err := enc.Encrypt(pt)
	if err != nil {
		return apsiproto.QueryRequest{}, err
	}
	data, err := enc.MarshalCiphertext(ct)
	if err != nil {
		return apsiproto.QueryRequest{}, err
	}

	vec := make([][]byte, bundleIdxCount)
	for i := range vec {
		vec[i] = data
	}
	return apsiproto.QueryRequest{Powers: map[uint32][][]byte{1: vec}}, nil
}

func randomLabel(rng *rand.Rand, n int) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	rng.Read(b)
	return b
}

// nextPow2 rounds n up to the next power of two, the bucket-count
// shape cuckoo.New expects.
func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func printLatencyReport(latencies []time.Duration) {
	if len(latencies) == 0 {
		fmt.Println("query: no samples")
		return
	}
	sorted := append([]time.Duration{}, latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))
	p50 := sorted[len(sorted)*50/100]
	p99 := sorted[int(math.Min(float64(len(sorted)-1), float64(len(sorted))*0.99))]

	fmt.Printf("query: %d samples, min %s, mean %s, p50 %s, p99 %s, max %s\n",
		len(sorted), sorted[0], mean, p50, p99, sorted[len(sorted)-1])
	fmt.Printf("query: %.1f queries/sec (serial)\n", float64(len(sorted))/sum.Seconds())
}

// latencySample is one -live websocket message.
type latencySample struct {
	Query     int     `json:"query"`
	LatencyMS float64 `json:"latency_ms"`
}

// liveHub fans out latency samples to every connected websocket
// client, dropping a client on its first write error.
type liveHub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
}

func newLiveHub() *liveHub {
	return &liveHub{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (h *liveHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("apsi-bench: websocket upgrade: %s\n", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *liveHub) broadcast(sample latencySample) {
	data, err := json.Marshal(sample)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}
