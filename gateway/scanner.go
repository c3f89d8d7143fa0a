package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

const (
	defaultScanBatchSize = 50
	defaultProbeTimeout  = 500 * time.Millisecond
)

// processResolver joins a live port with its owning process.
type processResolver interface {
	Resolve(ctx context.Context, port int) (string, *int)
}

// Scanner sweeps the configured port ranges for live TCP listeners and
// attributes each one to its owning process. Every call is a full re-scan;
// nothing is cached between calls.
type Scanner struct {
	Ranges []PortRange

	// ExcludePort is the gateway's own listening port. It never appears in
	// results, even when a configured range covers it.
	ExcludePort int

	// BatchSize caps the number of in-flight probes. The cap exists to avoid
	// descriptor exhaustion on wide ranges, not for correctness.
	BatchSize int

	ProbeTimeout time.Duration

	Resolver processResolver
	Log      *log.Logger
	Stats    stats.Stats
}

// Scan probes every configured port and returns a ServiceInfo for each live
// listener. Result order follows probe completion, not port order.
// Overlapping ranges can yield duplicate entries for the same port.
func (s *Scanner) Scan(ctx context.Context) []ServiceInfo {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}
	probeTimeout := s.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	candidates := ExpandRanges(s.Ranges)
	started := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ServiceInfo
	)
	inFlight := make(chan struct{}, batchSize)

	for _, port := range candidates {
		if port == s.ExcludePort {
			continue
		}

		wg.Add(1)
		inFlight <- struct{}{}
		go func(port int) {
			defer wg.Done()
			defer func() { <-inFlight }()

			if !Probe(ctx, port, probeTimeout) {
				return
			}

			name, pid := s.Resolver.Resolve(ctx, port)
			mu.Lock()
			results = append(results, ServiceInfo{Port: port, Name: name, PID: pid})
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	s.Stats.Incr("scan.runs", nil, 1)
	s.Stats.Gauge("scan.live_ports", float64(len(results)), nil, 1)
	s.Stats.Timing("scan.duration", time.Since(started), nil, 1)
	s.Log.Debugw("Scan complete",
		"candidates", len(candidates),
		"live", len(results),
		"elapsed", time.Since(started),
	)

	return results
}
