package lavapool

import "math"

// Balancer scores a node's latest statistics for selection. Lower is more
// eligible. Implementations must treat a nil snapshot as a node that has not
// reported yet.
type Balancer interface {
	Score(stats *Stats) float64
}

// BalancerFunc adapts a plain function to the Balancer interface.
type BalancerFunc func(stats *Stats) float64

func (f BalancerFunc) Score(stats *Stats) float64 { return f(stats) }

// Expected audio frames per minute at 20ms per frame.
const expectedFramesPerMinute = 3000.0

// DefaultBalancer ranks nodes by a weighted penalty combining active player
// count, system and process CPU load, and audio frame deficit. A node that
// has not reported statistics yet scores zero, so fresh nodes absorb new
// traffic before established nodes saturate.
func DefaultBalancer() Balancer { return BalancerFunc(defaultPenalty) }

func defaultPenalty(s *Stats) float64 {
	if s == nil {
		return 0
	}
	penalty := float64(s.PlayingPlayers)
	penalty += math.Pow(1.05, 100*s.CPU.SystemLoad)*10 - 10
	// Process load separates nodes on a shared busy host, weighted below the
	// system term.
	penalty += math.Pow(1.05, 100*s.CPU.ProcessLoad)*5 - 5
	if s.Frames != nil && s.Frames.Deficit >= 0 {
		deficit := float64(s.Frames.Deficit) / expectedFramesPerMinute
		nulled := float64(s.Frames.Nulled) / expectedFramesPerMinute
		penalty += math.Pow(1.03, 500*deficit)*600 - 600
		penalty += (math.Pow(1.03, 500*nulled)*300 - 300) * 2
	}
	return penalty
}
