package committer

import (
	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/dag"
	"github.com/gitzhang10/CommitDAG/metrics"
	"github.com/hashicorp/go-hclog"
)

// UniversalCommitter sequences the decisions of all leader slots above the
// last decided one.
type UniversalCommitter struct {
	base    *BaseCommitter
	dag     *dag.DagState
	logger  hclog.Logger
	metrics *metrics.Metrics
}

func NewUniversalCommitter(d *dag.DagState, schedule LeaderSchedule, logger hclog.Logger, m *metrics.Metrics) *UniversalCommitter {
	if m == nil {
		m = metrics.New("", nil)
	}
	return &UniversalCommitter{
		base:    NewBaseCommitter(d, schedule),
		dag:     d,
		logger:  logger,
		metrics: m,
	}
}

func (u *UniversalCommitter) Base() *BaseCommitter {
	return u.base
}

// TryDecide evaluates every leader slot above lastDecided, from the highest
// wave down so that later decisions can settle earlier ones indirectly, and
// returns the decided slots that directly follow lastDecided, in round order.
// The first undecided slot ends the sequence.
func (u *UniversalCommitter) TryDecide(lastDecided block.Slot) []LeaderStatus {
	highest := u.dag.HighestAcceptedRound()
	firstWave := WaveOf(lastDecided.Round) + 1
	lastWave := WaveOf(highest)
	if lastWave < firstWave {
		return nil
	}

	// later holds the statuses of the waves above the one being evaluated,
	// in wave order
	var later []LeaderStatus
	for w := lastWave; w >= firstWave; w-- {
		slot := u.base.LeaderSlot(LeaderRound(w))
		status := u.base.TryDirectDecideSlot(slot)
		if !status.IsDecided() {
			status = u.base.TryIndirectDecideSlot(slot, later)
		}
		u.logger.Trace("evaluated leader slot", "slot", slot, "status", status)
		later = append([]LeaderStatus{status}, later...)
	}

	var decided []LeaderStatus
	for _, s := range later {
		if !s.IsDecided() {
			break
		}
		rule := "indirect"
		if s.Direct {
			rule = "direct"
		}
		u.metrics.RecordDecision(s.Decision.String(), rule, uint64(s.Round()))
		u.logger.Debug("decided leader slot", "slot", s.Slot, "decision", s.Decision, "rule", rule)
		decided = append(decided, s)
	}
	return decided
}
