package exitnode

import (
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

// Selection thresholds.
const (
	MinCapacity             = 0.1
	LatencyToleranceMs      = 30.0
	LatencyTolerancePercent = 0.15
)

// SelectBest picks the exit node a site should use from its ping results.
//
// Results with an error or no weight are ignored. The lowest latency node wins
// unless it is under capacity, in which case the next node by latency with
// capacity is used, falling back to the highest weight. A node the site was
// already connected to is kept when it is within LatencyToleranceMs or
// LatencyTolerancePercent of the best. It returns false when nothing is usable.
func SelectBest(results []proto.PingResult) (proto.PingResult, bool) {
	valid := make([]proto.PingResult, 0, len(results))
	for _, r := range results {
		if r.Error == "" && r.Weight > 0 {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		log.Warn().Int("results", len(results)).Msg("no valid exit nodes in ping results")
		return proto.PingResult{}, false
	}

	sorted := make([]proto.PingResult, len(valid))
	copy(sorted, valid)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LatencyMs < sorted[j].LatencyMs })
	best := sorted[0]

	if best.Weight >= MinCapacity {
		for _, n := range sorted {
			if !n.WasPreviouslyConnected || n.Weight < MinCapacity {
				continue
			}
			diff := n.LatencyMs - best.LatencyMs
			percent := 0.0
			if best.LatencyMs > 0 {
				percent = diff / best.LatencyMs
			}
			if diff <= LatencyToleranceMs || percent <= LatencyTolerancePercent {
				log.Debug().
					Int("exit_node_id", n.ExitNodeID).
					Float64("latency_diff_ms", diff).
					Msg("keeping previously connected exit node")
				return n, true
			}
			break
		}
		return best, true
	}

	for _, n := range sorted[1:] {
		if n.Weight >= MinCapacity {
			log.Info().
				Int("exit_node_id", n.ExitNodeID).
				Float64("latency_ms", n.LatencyMs).
				Msg("lowest latency exit node under capacity, using next best")
			return n, true
		}
	}

	fallback := valid[0]
	for _, n := range valid[1:] {
		if n.Weight > fallback.Weight {
			fallback = n
		}
	}
	log.Warn().Int("exit_node_id", fallback.ExitNodeID).Msg("no exit node with capacity, using highest weight")
	return fallback, true
}
