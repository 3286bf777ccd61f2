package auction

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"agentex/app/core/bidder"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

// ErrNoSuitableAgent: no bid reached the winning threshold.
var ErrNoSuitableAgent = errors.New("auction: no suitable agent")

const (
	discardBelow = 0.1
	winThreshold = 0.5
)

// RemoteSolicitor broadcasts a bid request to remote exchange agents and
// collects responses up to the per-agent deadline. Absent responses count as
// zero confidence.
type RemoteSolicitor interface {
	Solicit(ctx context.Context, auctionID string, task types.Task, deadline time.Duration) map[string]types.Bid
}

// Outcome is one completed auction: a winner, ranked backups, and optionally
// a fast-path result that short-circuits execution.
type Outcome struct {
	AuctionID string
	Winner    types.Bid
	Backups   []types.Bid
	FastPath  string
}

type Auctioneer struct {
	registry       *registry.Registry
	bidder         *bidder.Bidder
	remotes        RemoteSolicitor // nil when no exchange server is wired
	perBidDeadline time.Duration
}

func New(reg *registry.Registry, b *bidder.Bidder, remotes RemoteSolicitor, perBidDeadline time.Duration) *Auctioneer {
	if perBidDeadline <= 0 {
		perBidDeadline = 500 * time.Millisecond
	}
	return &Auctioneer{
		registry:       reg,
		bidder:         b,
		remotes:        remotes,
		perBidDeadline: perBidDeadline,
	}
}

// Run holds one first-price sealed-bid auction for the task.
func (a *Auctioneer) Run(ctx context.Context, task types.Task, profile map[string]string, history []types.Turn) (Outcome, error) {
	candidates := a.registry.EnabledForTask(task)
	if len(candidates) == 0 {
		return Outcome{}, ErrNoSuitableAgent
	}

	auctionID := uuid.NewString()

	var local, remote []registry.Descriptor
	for _, d := range candidates {
		if d.ExecutionType == registry.ExecExchange {
			remote = append(remote, d)
			continue
		}
		local = append(local, d)
	}

	// remote bids arrive over the exchange while the local batch runs
	remoteCh := make(chan map[string]types.Bid, 1)
	if a.remotes != nil && len(remote) > 0 {
		go func() {
			remoteCh <- a.remotes.Solicit(ctx, auctionID, task, a.perBidDeadline)
		}()
	} else {
		remoteCh <- nil
	}

	bids, err := a.bidder.Evaluate(ctx, bidder.Request{
		AuctionID: auctionID,
		Task:      task,
		Agents:    local,
		Profile:   profile,
		History:   history,
	})
	if err != nil {
		logger.Error("[Auction] Bidder refused auction %s: %v", auctionID, err)
		return Outcome{}, ErrNoSuitableAgent
	}
	for id, bid := range <-remoteCh {
		bids[id] = bid
	}

	ranked := a.rank(bids)
	if len(ranked) == 0 || ranked[0].Confidence < winThreshold {
		return Outcome{}, ErrNoSuitableAgent
	}

	out := Outcome{AuctionID: auctionID, Winner: ranked[0]}
	for _, bid := range ranked[1:] {
		if bid.Confidence >= winThreshold {
			out.Backups = append(out.Backups, bid)
		}
	}

	if fp := a.fastPath(out.Winner); fp != "" {
		out.FastPath = fp
	}
	logger.Info("[Auction] %s won auction %s at %.2f (%d backups)",
		out.Winner.AgentID, auctionID, out.Winner.Confidence, len(out.Backups))
	return out, nil
}

// rank discards noise bids and sorts by confidence, breaking ties by agent
// priority hint then registration order.
func (a *Auctioneer) rank(bids map[string]types.Bid) []types.Bid {
	ranked := make([]types.Bid, 0, len(bids))
	for _, bid := range bids {
		if bid.Confidence <= discardBelow {
			continue
		}
		ranked = append(ranked, bid)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		di, _ := a.registry.Get(ranked[i].AgentID)
		dj, _ := a.registry.Get(ranked[j].AgentID)
		if di.Priority != dj.Priority {
			return di.Priority > dj.Priority
		}
		return a.registry.Order(ranked[i].AgentID) < a.registry.Order(ranked[j].AgentID)
	})
	return ranked
}

// fastPath honors a direct answer only for non-action agents; applescript and
// nodejs runners have side effects and always execute for real. Sanitized
// bids never carry a fast path at high hallucination risk.
func (a *Auctioneer) fastPath(winner types.Bid) string {
	if winner.FastPath == "" || winner.Risk == types.RiskHigh {
		return ""
	}
	desc, ok := a.registry.Get(winner.AgentID)
	if !ok {
		return ""
	}
	switch desc.ExecutionType {
	case registry.ExecAppleScript, registry.ExecNodeJS, registry.ExecExchange:
		return ""
	}
	return winner.FastPath
}
