package contrib

import (
	"context"
	"sync"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
)

type promoterEntry struct {
	promoter extension.Promoter
	moduleID string
}

// Promoters keeps save promoters in registration order. Only the first one
// is consulted.
type Promoters struct {
	sender protocol.Sender
	logger *logging.Logger
	run    Runner

	mu      sync.Mutex
	entries []*promoterEntry
}

func newPromoters(sender protocol.Sender, o options) *Promoters {
	return &Promoters{sender: sender, logger: o.logger, run: o.run}
}

// Register appends p. A promoter registered while another is active stays
// inert and a warning is logged.
func (p *Promoters) Register(moduleID string, promoter extension.Promoter) extension.Disposable {
	if promoter == nil {
		return extension.Nop
	}
	entry := &promoterEntry{promoter: promoter, moduleID: moduleID}
	p.mu.Lock()
	if len(p.entries) > 0 {
		active := p.entries[0]
		p.logger.Warnf("contrib: promoter %s from %s ignored; %s from %s is already active",
			promoter.ID(), moduleID, active.promoter.ID(), active.moduleID)
	}
	p.entries = append(p.entries, entry)
	p.mu.Unlock()
	return extension.DisposeFunc(func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.entries {
			if e == entry {
				p.entries = append(p.entries[:i], p.entries[i+1:]...)
				break
			}
		}
		return nil
	})
}

// Active returns the promoter that answers requests.
func (p *Promoters) Active() (extension.Promoter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return nil, false
	}
	return p.entries[0].promoter, true
}

// Promote answers a promote-overrides request asynchronously. Without a
// promoter every override fails as unpromotable.
func (p *Promoters) Promote(ctx context.Context, overrides []extension.Override, correlationID string) {
	promoter, ok := p.Active()
	if !ok {
		send(p.sender, p.logger, protocol.PromotionResult{CorrelationID: correlationID, Plan: UnpromotablePlan(overrides)})
		return
	}
	p.run(func() {
		plan, err := promoter.Promote(ctx, overrides)
		if err != nil {
			send(p.sender, p.logger, protocol.PromotionError{
				CorrelationID: correlationID,
				Error:         protocol.NewError(protocol.CodePromotionFailed, "promoter %s: %v", promoter.ID(), err),
			})
			return
		}
		if plan.Edits == nil {
			plan.Edits = []extension.Edit{}
		}
		if plan.Failed == nil {
			plan.Failed = []extension.PromotionFailure{}
		}
		send(p.sender, p.logger, protocol.PromotionResult{CorrelationID: correlationID, Plan: plan})
	})
}

// UnpromotablePlan fails each override with code unpromotable.
func UnpromotablePlan(overrides []extension.Override) extension.PromotionPlan {
	plan := extension.PromotionPlan{
		Edits:  []extension.Edit{},
		Failed: make([]extension.PromotionFailure, 0, len(overrides)),
	}
	for _, o := range overrides {
		plan.Failed = append(plan.Failed, extension.PromotionFailure{
			Address: o.Address,
			Result: extension.PromotionOutcome{
				Code:    string(protocol.CodeUnpromotable),
				Message: "no save promoter is registered",
			},
		})
	}
	return plan
}

// Reset drops every promoter.
func (p *Promoters) Reset() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}
