// Command isoallocdemo drives a Root with a random mix of allocation
// and free sizes, printing periodic stats so the allocator's zone and
// big-zone bookkeeping can be watched settle into a steady state.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"

	"github.com/mjp41/isoalloc"
)

func main() {
	root, err := isoalloc.NewRoot(
		isoalloc.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
		isoalloc.WithSanitizeOnFree(),
	)
	if err != nil {
		log.Fatalf("isoallocdemo: failed to create root: %v", err)
	}
	defer root.Close()

	tc := root.BindCurrentThread()
	defer tc.Release()

	live := make([][]byte, 0, 256)

	for round := 0; round < 20000; round++ {
		if len(live) == 0 || rand.Intn(3) != 0 {
			size := uint64(1 + rand.Intn(4096))
			chunk, err := root.AllocWith(tc, size)
			if err != nil {
				fmt.Printf("round %d: alloc(%d) failed: %v\n", round, size, err)
				continue
			}
			live = append(live, chunk)
			continue
		}

		i := rand.Intn(len(live))
		chunk := live[i]
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		if err := root.FreeWith(tc, chunk); err != nil {
			fmt.Printf("round %d: free failed: %v\n", round, err)
		}

		if round%2000 == 0 {
			stats := root.Stats()
			fmt.Printf("round=%d zones=%d used=%d/%d big_zones=%d p50=%s p99=%s\n",
				round, len(stats.Zones), stats.TotalUsed, stats.TotalCapacity,
				stats.BigZoneCount, stats.AllocP50, stats.AllocP99)
		}
	}

	root.FlushCaches()
	if err := root.VerifyAll(); err != nil {
		log.Fatalf("isoallocdemo: heap failed verification: %v", err)
	}

	fmt.Println("isoallocdemo: heap verified clean, exiting")
}
