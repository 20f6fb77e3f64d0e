//
// main.go
//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Command apsi-sender runs the match-engine sender side: serving
// parms/oprf/query operations over TCP, reporting SenderDB occupancy,
// and stripping a snapshot of raw item/label state before shipping it
// to a host that should only ever see the stripped form.
package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/markkurossi/apsi/apsiproto"
	"github.com/markkurossi/apsi/env"
	"github.com/markkurossi/apsi/felt"
	"github.com/markkurossi/apsi/he/refhe"
	"github.com/markkurossi/apsi/oprf/hmacoprf"
	"github.com/markkurossi/apsi/p2p"
	"github.com/markkurossi/apsi/powers"
	"github.com/markkurossi/apsi/query"
	"github.com/markkurossi/apsi/senderdb"
	"github.com/markkurossi/apsi/wpool"
	"github.com/markkurossi/tabulate"
)

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCmd(os.Args[2:])
	case "stats":
		err = statsCmd(os.Args[2:])
	case "strip":
		err = stripCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: apsi-sender {serve|stats|strip} [flags]\n")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// serveCmd loads (or creates) a SenderDB, optionally seeds it from a
// CSV file, and answers apsiproto operations on every accepted
// connection, reusing p2p.Conn for the length-prefixed framing.
func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":4590", "listen address")
	paramsPath := fs.String("params", "", "PSIParams YAML path (required)")
	dbPath := fs.String("db", "", "SenderDB snapshot to load at startup, if present")
	dataPath := fs.String("data", "", "CSV seed file (raw,label columns), inserted after loading -db")
	secret := fs.String("secret", envOr("APSI_OPRF_SECRET", ""), "OPRF secret (or set APSI_OPRF_SECRET)")
	labelBytes := fs.Int("label-bytes", 16, "label size in bytes, 0 for an unlabeled database")
	nonceBytes := fs.Int("nonce-bytes", 4, "label nonce size in bytes")
	modulus := fs.Uint64("modulus", 65537, "plaintext modulus for the reference HE evaluator")
	slotCount := fs.Int("slot-count", 4096, "SIMD slot count for the reference HE evaluator")
	maxLevel := fs.Int("max-level", 2, "modulus-switch depth for the reference HE evaluator")
	bitsPerTag := fs.Int("bits-per-tag", 8, "cuckoo filter tag width for freshly created bin bundles")
	bucketCount := fs.Uint("bucket-count", 1024, "cuckoo filter bucket count for freshly created bin bundles")
	maxCuckooKicks := fs.Int("max-cuckoo-kicks", 50, "cuckoo filter eviction bound for freshly created bin bundles")
	workers := fs.Int("workers", 0, "worker pool size (0 = GOMAXPROCS)")
	fs.Parse(args)

	if *paramsPath == "" {
		return fmt.Errorf("apsi-sender serve: -params is required")
	}
	if *secret == "" {
		return fmt.Errorf("apsi-sender serve: -secret or APSI_OPRF_SECRET is required")
	}

	psiParams, err := apsiproto.LoadPSIParamsYAML(*paramsPath)
	if err != nil {
		return err
	}

	enc := refhe.New(felt.Felt(*modulus), *slotCount, *maxLevel)
	oprfFn, err := hmacoprf.New([]byte(*secret), 4096)
	if err != nil {
		return err
	}
	cfg := &env.Config{Pool: wpool.New(*workers)}
	pool := cfg.GetPool()

	var db *senderdb.DB
	if *dbPath != "" {
		if f, openErr := os.Open(*dbPath); openErr == nil {
			db, err = senderdb.Load(bufio.NewReader(f), enc, oprfFn, pool,
				*bitsPerTag, uint32(*bucketCount), *maxCuckooKicks)
			f.Close()
			if err != nil {
				return fmt.Errorf("apsi-sender serve: load %s: %w", *dbPath, err)
			}
			log.Printf("apsi-sender: loaded %s", *dbPath)
		} else if !os.IsNotExist(openErr) {
			return openErr
		}
	}
	if db == nil {
		dbParams, err := senderdb.DeriveParams(psiParams, enc, *labelBytes, *nonceBytes)
		if err != nil {
			return err
		}
		db, err = senderdb.New(dbParams, enc, oprfFn, []byte(*secret), pool,
			*bitsPerTag, uint32(*bucketCount), *maxCuckooKicks)
		if err != nil {
			return err
		}
	}

	if *dataPath != "" {
		entries, err := loadCSVEntries(*dataPath)
		if err != nil {
			return fmt.Errorf("apsi-sender serve: load %s: %w", *dataPath, err)
		}
		if err := db.InsertOrAssign(entries); err != nil {
			return fmt.Errorf("apsi-sender serve: insert seed data: %w", err)
		}
		log.Printf("apsi-sender: inserted %d entries from %s", len(entries), *dataPath)
	}

	dag, err := powers.NewDag([]uint32{1}, psiParams.QueryParams.QueryPowers)
	if err != nil {
		return err
	}
	engine := query.NewEngine(db, enc, dag, pool)

	server := p2p.NewServer(psiParams, oprfFn, engine)
	server.OnQuery = func(req *apsiproto.QueryRequest) {
		log.Printf("apsi-sender: query %s: %d source powers", uuid.New(), len(req.Powers))
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	log.Printf("apsi-sender: listening on %s\n", *addr)

	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			conn := p2p.NewConn(nc)
			defer conn.Close()
			if err := server.Serve(conn); err != nil {
				log.Printf("apsi-sender: connection from %s: %s\n", nc.RemoteAddr(), err)
			}
		}()
	}
}

// loadCSVEntries reads "raw,label" rows (label column optional) into
// SenderDB entries.
func loadCSVEntries(path string) ([]senderdb.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []senderdb.Entry
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		e := senderdb.Entry{Raw: []byte(record[0])}
		if len(record) > 1 {
			e.Label = []byte(record[1])
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// statsCmd loads a SenderDB snapshot and prints a tabulate occupancy
// table, one row per bundle index, the way apps/garbled/objdump.go
// renders its gate-count table.
func statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", "", "SenderDB snapshot path (required)")
	secret := fs.String("secret", envOr("APSI_OPRF_SECRET", "apsi-sender-stats"), "OPRF secret (unused for read-only stats)")
	modulus := fs.Uint64("modulus", 65537, "plaintext modulus the snapshot's HE evaluator argument needs")
	slotCount := fs.Int("slot-count", 4096, "slot count the snapshot's HE evaluator argument needs")
	maxLevel := fs.Int("max-level", 2, "modulus-switch depth the snapshot's HE evaluator argument needs")
	fs.Parse(args)

	if *dbPath == "" {
		return fmt.Errorf("apsi-sender stats: -db is required")
	}

	db, err := openSnapshot(*dbPath, *secret, *modulus, *slotCount, *maxLevel)
	if err != nil {
		return err
	}

	db.RLock()
	defer db.RUnlock()

	params := db.Params()
	tab := tabulate.New(tabulate.Github)
	tab.Header("Bundle")
	tab.Header("Bundles").SetAlign(tabulate.MR)
	tab.Header("Items").SetAlign(tabulate.MR)
	tab.Header("Capacity").SetAlign(tabulate.MR)
	tab.Header("Occupancy").SetAlign(tabulate.MR)
	tab.Header("Cached").SetAlign(tabulate.MR)

	var totalItems, totalCapacity int
	for i := 0; i < params.BundleIdxCount; i++ {
		buckets := db.Buckets(i)
		items, cached := 0, 0
		for _, b := range buckets {
			items += b.ItemCount()
			if b.CacheReady() {
				cached++
			}
		}
		capacity := len(buckets) * params.BinsPerBundle * params.MaxItemsPerBin
		totalItems += items
		totalCapacity += capacity

		row := tab.Row()
		row.Column(fmt.Sprintf("%d", i))
		row.Column(fmt.Sprintf("%d", len(buckets)))
		row.Column(fmt.Sprintf("%d", items))
		row.Column(fmt.Sprintf("%d", capacity))
		row.Column(occupancy(items, capacity))
		row.Column(fmt.Sprintf("%d/%d", cached, len(buckets)))
	}
	tab.Print(os.Stdout)

	fmt.Printf("total: %d items, %s occupancy, stripped=%v\n",
		totalItems, occupancy(totalItems, totalCapacity), db.Stripped())
	return nil
}

func occupancy(items, capacity int) string {
	if capacity == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(items)/float64(capacity))
}

// stripCmd loads a SenderDB snapshot, strips its raw item/label state
// and OPRF key, and writes the result to -out (defaulting to -db).
func stripCmd(args []string) error {
	fs := flag.NewFlagSet("strip", flag.ExitOnError)
	dbPath := fs.String("db", "", "SenderDB snapshot path to load (required)")
	outPath := fs.String("out", "", "output path (defaults to -db, overwriting it)")
	secret := fs.String("secret", envOr("APSI_OPRF_SECRET", "apsi-sender-strip"), "OPRF secret (unused once stripped)")
	modulus := fs.Uint64("modulus", 65537, "plaintext modulus the snapshot's HE evaluator argument needs")
	slotCount := fs.Int("slot-count", 4096, "slot count the snapshot's HE evaluator argument needs")
	maxLevel := fs.Int("max-level", 2, "modulus-switch depth the snapshot's HE evaluator argument needs")
	fs.Parse(args)

	if *dbPath == "" {
		return fmt.Errorf("apsi-sender strip: -db is required")
	}
	if *outPath == "" {
		*outPath = *dbPath
	}

	db, err := openSnapshot(*dbPath, *secret, *modulus, *slotCount, *maxLevel)
	if err != nil {
		return err
	}

	if db.Stripped() {
		log.Printf("apsi-sender strip: %s is already stripped\n", *dbPath)
	} else {
		db.Strip()
	}

	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := db.Save(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Printf("apsi-sender strip: wrote %s\n", *outPath)
	return nil
}

// openSnapshot loads a SenderDB for a read-mostly command. stats and
// strip never evaluate with the evaluator or OPRF it builds, but
// senderdb.Load re-encodes every saved BinBundle cache through the
// evaluator, so its slot count and modulus have to match those of the
// evaluator that created the snapshot for the caches to load intact.
func openSnapshot(path, secret string, modulus uint64, slotCount, maxLevel int) (*senderdb.DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	enc := refhe.New(felt.Felt(modulus), slotCount, maxLevel)
	oprfFn, err := hmacoprf.New([]byte(secret), 64)
	if err != nil {
		return nil, err
	}
	return senderdb.Load(bufio.NewReader(f), enc, oprfFn, wpool.Serial(), 8, 1024, 50)
}
