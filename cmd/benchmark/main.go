// Benchmark driver: fills an index with a scrambled unique key sequence,
// reads every key back with a differently-seeded stream, scans a range,
// and dumps the timings plus the page store counters as YAML.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	flash_btree "github.com/ryusei-oka/btree-go-for-flash"
	"github.com/ryusei-oka/btree-go-for-flash/bench"
	"github.com/ryusei-oka/btree-go-for-flash/interfaces"
	storagefile "github.com/ryusei-oka/btree-go-for-flash/storage/file"
	storagemem "github.com/ryusei-oka/btree-go-for-flash/storage/mem"
)

type result struct {
	Keys          int              `yaml:"keys"`
	Levels        int              `yaml:"levels"`
	Nodes         uint32           `yaml:"nodes"`
	Wrapped       bool             `yaml:"wrapped"`
	InsertSeconds float64          `yaml:"insert_seconds"`
	LookupSeconds float64          `yaml:"lookup_seconds"`
	ScanSeconds   float64          `yaml:"scan_seconds"`
	Scanned       int              `yaml:"scanned"`
	Store         flash_btree.Stats `yaml:"store"`
}

func main() {
	medium := flag.String("medium", "mem", "Backing medium: mem or file")
	path := flag.String("path", "btree.dat", "Backing file for -medium=file")
	sizeMB := flag.Int64("size", 16, "Medium size in MiB")
	pageSize := flag.Uint("pagesize", 512, "Page size in bytes")
	buffers := flag.Int("buffers", 2, "In-memory page buffers")
	keySize := flag.Int("keysize", 4, "Key size in bytes")
	dataSize := flag.Int("datasize", 12, "Value size in bytes")
	mapping := flag.Int("mapping", 64, "Remapping table capacity")
	eraseBlock := flag.Uint("eraseblock", 8, "Pages per erase block")
	keys := flag.Int("keys", 100000, "Number of keys to insert")
	seed := flag.Uint64("seed", 0, "Insert stream seed")
	flag.Parse()

	size := *sizeMB << 20
	var m interfaces.Medium
	switch *medium {
	case "mem":
		m = storagemem.New(size)
	case "file":
		fm, err := storagefile.Open(*path, size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", *path, err)
			os.Exit(1)
		}
		m = fm
	default:
		fmt.Fprintf(os.Stderr, "unknown medium: %s\n", *medium)
		os.Exit(1)
	}

	mgr := flash_btree.NewBufMgr(m, uint32(*pageSize), *buffers, 0, size, uint32(*eraseBlock))
	tree := flash_btree.NewBTree(mgr, *keySize, *dataSize, *mapping, nil)
	if err := tree.Init(); err != flash_btree.BTErrOk {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}

	key := make([]byte, *keySize)
	value := make([]byte, *dataSize)

	putKey := func(v uint32) {
		binary.BigEndian.PutUint32(key[*keySize-4:], v)
	}

	start := time.Now()
	gen := bench.NewUniqueRand(uint32(*keys), *seed)
	for {
		v, ok := gen.Next()
		if !ok {
			break
		}
		putKey(v)
		binary.BigEndian.PutUint32(value[*dataSize-4:], v)
		if err := tree.InsertKey(key, value); err != flash_btree.BTErrOk {
			fmt.Fprintf(os.Stderr, "insert %d: %v\n", v, err)
			os.Exit(1)
		}
	}
	insertSec := time.Since(start).Seconds()

	start = time.Now()
	gen = bench.NewUniqueRand(uint32(*keys), *seed+1)
	for {
		v, ok := gen.Next()
		if !ok {
			break
		}
		putKey(v)
		if err := tree.FindKey(key, value); err != flash_btree.BTErrOk {
			fmt.Fprintf(os.Stderr, "lookup %d: %v\n", v, err)
			os.Exit(1)
		}
	}
	lookupSec := time.Since(start).Seconds()

	start = time.Now()
	it, err := tree.NewItr(nil, nil)
	if err != flash_btree.BTErrOk {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	scanned := 0
	for {
		ok, _, _ := it.Next()
		if !ok {
			break
		}
		scanned++
	}
	scanSec := time.Since(start).Seconds()

	res := result{
		Keys:          *keys,
		Levels:        tree.Levels(),
		Nodes:         tree.NumNodes(),
		Wrapped:       mgr.Wrapped(),
		InsertSeconds: insertSec,
		LookupSeconds: lookupSec,
		ScanSeconds:   scanSec,
		Scanned:       scanned,
		Store:         mgr.Stats(),
	}
	out, merr := yaml.Marshal(res)
	if merr != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", merr)
		os.Exit(1)
	}
	fmt.Print(string(out))

	mgr.Close()
}
