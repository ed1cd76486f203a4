package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/hifive/internal/config"
	"github.com/tinyrange/hifive/internal/firmware"
	"github.com/tinyrange/hifive/internal/gpio"
	"github.com/tinyrange/hifive/internal/heap"
	"github.com/tinyrange/hifive/internal/shell"
)

// runSoak hammers the heap from the main context while software, timer,
// UART and GPIO interrupts fire around it, then checks that the allocator
// survived.
func runSoak(ctx context.Context, cfg *config.Config, n int, log *slog.Logger) error {
	b, err := newBoard(cfg, io.Discard, log)
	if err != nil {
		return err
	}

	pb := progressbar.Default(int64(n), "soak")
	defer pb.Close()

	var (
		bootErr error
		st      firmware.Status
		edges   int
	)
	exit := b.Run(ctx, func() {
		sys, err := firmware.New(b.Bus, b.Hart, cfg.SystemConfig())
		if err != nil {
			bootErr = err
			return
		}
		sys.GPIO.Configure(shell.ButtonPin, gpio.Config{
			InputEnable: true,
			PullUp:      true,
			Interrupts:  gpio.Rise | gpio.Fall,
			Callback: gpio.CallbackFunc(func(pin int, cond gpio.Condition) {
				// Allocate from interrupt context as well.
				sys.Printf("edge %d %s\n", pin, cond)
				edges++
			}),
		})

		rng := rand.New(rand.NewPCG(1, uint64(n)))
		var live []heap.Ptr
		line := make([]byte, 64)
		for i := 0; i < n; i++ {
			sys.Software.Trigger()
			if i%16 == 0 {
				b.UART.EnqueueInput([]byte("soak\r"))
			}
			if i%32 == 0 {
				b.GPIO.SetInput(shell.ButtonPin, i%64 == 0)
			}

			if len(live) < 8 && rng.IntN(2) == 0 {
				if p := sys.Heap.Allocate(1 + rng.IntN(96)); p != heap.Nil {
					live = append(live, p)
				}
			} else if len(live) > 0 {
				k := rng.IntN(len(live))
				sys.Heap.Release(live[k])
				live = slices.Delete(live, k, k+1)
			}

			sys.Hart.Relax()
			sys.Console.TryReadLine(line)
			pb.Add(1)
		}
		for _, p := range live {
			sys.Heap.Release(p)
		}
		sys.Heap.Check()
		st = sys.Status()
	})
	pb.Finish()

	if bootErr != nil {
		return fmt.Errorf("boot firmware: %w", bootErr)
	}
	if exit != nil {
		return fmt.Errorf("soak: %w", exit)
	}
	if st.HeapError != nil {
		return fmt.Errorf("soak: %w", st.HeapError)
	}
	if st.Heap.UsedBlocks != 0 {
		return fmt.Errorf("soak: %d blocks leaked: %v", st.Heap.UsedBlocks, st.Heap)
	}

	log.Info("soak finished",
		"iterations", n,
		"heap", st.Heap.String(),
		"software", st.Software,
		"timer", st.Ticks,
		"claims", st.PLIC.Claims,
		"gpio", st.GPIO.String(),
		"edges", edges,
		"lines", st.Console.LinesQueued,
		"rejected", st.Console.LinesRejected,
	)
	return nil
}
