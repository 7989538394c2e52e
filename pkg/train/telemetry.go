package train

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

func readLinuxMemInfo() (totalKB uint64, availableKB uint64, ok bool) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	var t, a uint64
	for _, ln := range strings.Split(string(b), "\n") {
		f := strings.Fields(ln)
		if len(f) < 2 {
			continue
		}
		switch f[0] {
		case "MemTotal:":
			if v, err := strconv.ParseUint(f[1], 10, 64); err == nil {
				t = v
			}
		case "MemAvailable:":
			if v, err := strconv.ParseUint(f[1], 10, 64); err == nil {
				a = v
			}
		}
	}
	if t == 0 {
		return 0, 0, false
	}
	return t, a, true
}

// logStep prints batch throughput and memory pressure. norm is NaN when clipping is off.
func (t *Trainer) logStep(epoch, batch, total int, loss, norm float64, start time.Time) {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	perSec := float64(batch) / elapsed
	eta := float64(total-batch) / perSec
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	sysUsedPct, sysAvailMB := -1.0, -1.0
	if totalKB, availKB, ok := readLinuxMemInfo(); ok {
		sysUsedPct = float64(totalKB-availKB) / float64(totalKB) * 100.0
		sysAvailMB = float64(availKB) / 1024.0
	}
	t.rc.Logger.Printf(
		"[step] epoch=%d batch=%d/%d loss=%.4f grad_norm=%.4f lr=%.6f adam_steps=%d batches_per_sec=%.3f eta=%s heap_alloc_mb=%.2f runtime_sys_mb=%.2f sys_ram_used_pct=%.2f sys_ram_avail_mb=%.2f gc=%d",
		epoch, batch, total, loss, norm, t.opt.LR, t.opt.Steps(), perSec,
		time.Duration(eta*float64(time.Second)).Truncate(time.Second).String(),
		float64(mem.Alloc)/1024.0/1024.0,
		float64(mem.Sys)/1024.0/1024.0,
		sysUsedPct, sysAvailMB, mem.NumGC,
	)
}
