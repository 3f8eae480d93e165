package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/papertrader/internal/indicators"
	"github.com/atlas-desktop/papertrader/pkg/types"
	"go.uber.org/zap"
)

// Ensemble combines member strategies by plurality vote. Members that
// abstain or fail do not vote. A tie for the most votes resolves to HOLD with
// zero confidence; otherwise confidence is the mean over the winning voters.
type Ensemble struct {
	logger  *zap.Logger
	members []Strategy
}

// NewEnsemble creates an ensemble over members.
func NewEnsemble(logger *zap.Logger, members ...Strategy) *Ensemble {
	return &Ensemble{logger: logger, members: members}
}

func (e *Ensemble) Name() string {
	names := make([]string, len(e.members))
	for i, m := range e.members {
		names[i] = m.Name()
	}
	return "ensemble(" + strings.Join(names, "+") + ")"
}

// Members returns the combined strategies.
func (e *Ensemble) Members() []Strategy {
	return e.members
}

func (e *Ensemble) Requirements() []indicators.Spec {
	var specs []indicators.Spec
	seen := make(map[string]bool)
	for _, m := range e.members {
		for _, spec := range m.Requirements() {
			if seen[spec.Key()] {
				continue
			}
			seen[spec.Key()] = true
			specs = append(specs, spec)
		}
	}
	return specs
}

func (e *Ensemble) Evaluate(ctx context.Context, in Input) (types.Signal, error) {
	signals := make([]types.Signal, 0, len(e.members))
	for _, m := range e.members {
		sig, err := m.Evaluate(ctx, in)
		if err != nil {
			e.logger.Warn("Ensemble member failed, treating as abstain",
				zap.String("strategy", m.Name()),
				zap.String("symbol", in.Symbol),
				zap.Error(err),
			)
			continue
		}
		signals = append(signals, sig)
	}
	return Vote(in.Symbol, in.Timestamp, e.Name(), signals), nil
}

// Vote resolves member signals into one.
func Vote(symbol string, ts time.Time, source string, signals []types.Signal) types.Signal {
	votes := make(map[types.Action][]types.Signal, 3)
	for _, s := range signals {
		if isAbstain(s) {
			continue
		}
		votes[s.Action] = append(votes[s.Action], s)
	}

	out := types.Hold(symbol, "", ts)
	out.Source = source
	if len(votes) == 0 {
		out.Reason = "all members abstained"
		return out
	}

	var best types.Action
	bestCount, tie := 0, false
	for _, action := range []types.Action{types.ActionBuy, types.ActionSell, types.ActionHold} {
		n := len(votes[action])
		switch {
		case n > bestCount:
			best, bestCount, tie = action, n, false
		case n == bestCount && n > 0:
			tie = true
		}
	}
	if tie {
		out.Reason = fmt.Sprintf("tied vote %s", tally(votes))
		return out
	}

	var sum float64
	reasons := make([]string, 0, bestCount)
	for _, s := range votes[best] {
		sum += s.Confidence
		reasons = append(reasons, s.Source)
	}
	out.Action = best
	out.Confidence = sum / float64(bestCount)
	out.Reason = fmt.Sprintf("%s by %s %s", best, strings.Join(reasons, ","), tally(votes))
	return out
}

func isAbstain(s types.Signal) bool {
	return s.Action == types.ActionHold && s.Confidence == 0
}

func tally(votes map[types.Action][]types.Signal) string {
	return fmt.Sprintf("[buy=%d sell=%d hold=%d]",
		len(votes[types.ActionBuy]), len(votes[types.ActionSell]), len(votes[types.ActionHold]))
}
