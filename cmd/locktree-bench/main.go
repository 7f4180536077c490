package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
	"github.com/mirkobrombin/go-locktree/v1/interval"
	"github.com/mirkobrombin/go-locktree/v1/locktree"
)

var (
	workers   = flag.Int("c", 16, "Number of concurrent workers")
	txns      = flag.Int("n", 2000, "Transactions per worker")
	keysPer   = flag.Int("k", 32, "Locks requested per transaction")
	keySpace  = flag.Int("keys", 100000, "Size of the key space")
	resources = flag.Int("r", 4, "Number of resources")
	maxLocks  = flag.Int64("max-locks", 1000, "Lock record budget")
	policy    = flag.String("policy", "owner-runs", "Escalation policy: owner-runs or border-write")
	readRatio = flag.Float64("reads", 0.5, "Fraction of read requests")
	verbose   = flag.Bool("v", false, "Log manager events")
)

func key(i int) interval.Point {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return interval.Key(b)
}

func main() {
	flag.Parse()

	var p locktree.EscalationPolicy
	switch *policy {
	case "owner-runs":
		p = locktree.EscalateOwnerRuns
	case "border-write":
		p = locktree.EscalateBorderWrite
	default:
		log.Fatalf("unknown policy %q", *policy)
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer func() { _ = logger.Sync() }()

	m, err := locktree.New(
		locktree.WithMaxLocks(*maxLocks),
		locktree.WithMaxLockMemory(*maxLocks*256),
		locktree.WithEscalationPolicy(p),
		locktree.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer func() { _ = m.Close() }()

	rs := make([]*locktree.Resource, *resources)
	for i := range rs {
		if rs[i], err = m.CreateResource(locktree.ResourceID(fmt.Sprintf("db%d", i)), nil); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}

	log.Printf("Starting benchmark: %d workers, %d txns each, %d locks per txn, policy %s",
		*workers, *txns, *keysPer, p)

	ctx := context.Background()
	var ops, aborted atomic.Int64
	start := time.Now()

	perWorker := *txns
	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			rnd := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for n := 0; n < perWorker; n++ {
				txn := locktree.TxnID(w*perWorker + n + 1)
				base := rnd.IntN(*keySpace)
				r := rs[rnd.IntN(len(rs))]
				for i := 0; i < *keysPer; i++ {
					k := base + i*2
					var err error
					if rnd.Float64() < *readRatio {
						err = m.AcquireRead(ctx, r, txn, interval.New(key(k), key(k+1)))
					} else {
						err = m.AcquireWrite(ctx, r, txn, interval.Single(key(k)))
					}
					ops.Add(1)
					if errors.Is(err, lockerrors.ErrConflict) || errors.Is(err, lockerrors.ErrOutOfResources) {
						aborted.Add(1)
						break
					}
					if err != nil {
						return err
					}
				}
				if err := m.UnlockTxn(ctx, txn); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	st := m.Stats()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f req/s", float64(ops.Load())/elapsed.Seconds())
	log.Printf("Aborted transactions: %d", aborted.Load())
	log.Printf("Grants: %d read, %d write", st.ReadGrants, st.WriteGrants)
	log.Printf("Conflicts: %d read, %d write", st.ReadConflicts, st.WriteConflicts)
	log.Printf("Out of locks: %d read, %d write", st.ReadOutOfLocks, st.WriteOutOfLocks)
	log.Printf("Escalations: %d succeeded, %d failed", st.EscalationSuccesses, st.EscalationFailures)
}
