// Package orchestrator drives the improvement cycle state machine:
// analyzing → proposing → implementing → validating → (fixing) →
// publishing → completed | failed. Cycles are strictly sequential; the
// ledger is the only state that survives a terminal transition.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autoforge/internal/collab"
	"autoforge/internal/cycle"
	"autoforge/internal/ledger"
	"autoforge/internal/ratelimit"
	"autoforge/internal/safety"
)

// Dependency names used for budget accounting.
const (
	DependencyProposalAPI = "proposal-api"
	DependencyPublishAPI  = "publish-api"
)

// Config holds the orchestrator's retry and fix-loop knobs.
type Config struct {
	// MaxFixAttempts bounds the fix-loop (default 3).
	MaxFixAttempts int
	// MaxRetryAttempts bounds transient-error retries per external call
	// (default 3).
	MaxRetryAttempts int
	// RetryBackoffBase is the first retry delay; it doubles per attempt.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the backoff delay.
	RetryBackoffMax time.Duration
	// WaitForBudget makes exhausted budgets block (cooperative poll)
	// instead of failing the cycle with rate_limited.
	WaitForBudget bool
	// BudgetPollInterval is the poll interval while waiting for budget.
	BudgetPollInterval time.Duration
}

// DefaultConfig returns the stock orchestrator knobs.
func DefaultConfig() Config {
	return Config{
		MaxFixAttempts:     3,
		MaxRetryAttempts:   3,
		RetryBackoffBase:   5 * time.Second,
		RetryBackoffMax:    5 * time.Minute,
		WaitForBudget:      false,
		BudgetPollInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFixAttempts <= 0 {
		c.MaxFixAttempts = 3
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 5 * time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
	if c.BudgetPollInterval <= 0 {
		c.BudgetPollInterval = time.Second
	}
	return c
}

// Orchestrator owns the active cycle record and coordinates the
// collaborators through the rate limiter and safety gate.
type Orchestrator struct {
	mu sync.Mutex // one cycle at a time

	cfg         Config
	limiter     *ratelimit.Limiter
	checker     *safety.Checker
	ledger      *ledger.Ledger
	summarizer  collab.RepoSummarizer
	proposer    collab.ProposalGenerator
	implementer collab.ChangeImplementer
	publisher   collab.RepositoryPublisher
	logger      *zap.Logger

	// Per-cycle caches. Cleared on every terminal transition so nothing
	// leaks into the next cycle.
	cachedSummary  string
	cachedProposal *cycle.Proposal

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator from its injected parts.
func New(
	cfg Config,
	limiter *ratelimit.Limiter,
	checker *safety.Checker,
	ldg *ledger.Ledger,
	summarizer collab.RepoSummarizer,
	proposer collab.ProposalGenerator,
	implementer collab.ChangeImplementer,
	publisher collab.RepositoryPublisher,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		limiter:     limiter,
		checker:     checker,
		ledger:      ldg,
		summarizer:  summarizer,
		proposer:    proposer,
		implementer: implementer,
		publisher:   publisher,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Status returns the visible status of a cycle (latest when id is empty).
func (o *Orchestrator) Status(cycleID string) (*ledger.Status, error) {
	return o.ledger.GetStatus(cycleID)
}

// History returns closed cycles, most recent first.
func (o *Orchestrator) History(limit int) ([]ledger.Status, error) {
	return o.ledger.GetHistory(limit)
}

// RunCycle executes one full improvement cycle and returns its record. The
// record always carries a terminal stage; errors are returned only for
// infrastructure failures (ledger unavailable), never for cycle outcomes.
func (o *Orchestrator) RunCycle(ctx context.Context) (*cycle.Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, err := o.ledger.StartCycle()
	if err != nil {
		return nil, fmt.Errorf("failed to start cycle: %w", err)
	}

	rec := &cycle.Record{
		ID:        id,
		Stage:     cycle.StageAnalyzing,
		StartTime: time.Now().UTC(),
	}
	o.logger.Info("improvement cycle started", zap.String("cycle_id", id))

	o.runStages(ctx, rec)

	if err := o.ledger.EndCycle(id, rec.Stage, rec.FailureReason, rec.PublishURL); err != nil {
		o.logger.Error("failed to close cycle in ledger", zap.Error(err))
	}
	now := time.Now().UTC()
	rec.EndTime = &now

	// Terminal invariant: per-cycle caches never survive cycle boundaries.
	o.cachedSummary = ""
	o.cachedProposal = nil

	o.logger.Info("improvement cycle finished",
		zap.String("cycle_id", id),
		zap.String("stage", string(rec.Stage)),
		zap.String("reason", rec.FailureReason))
	return rec, nil
}

// runStages advances rec through the pipeline, leaving it in a terminal
// stage.
func (o *Orchestrator) runStages(ctx context.Context, rec *cycle.Record) {
	// analyzing
	summary, ok := o.analyze(ctx, rec)
	if !ok {
		return
	}

	// proposing
	proposal, ok := o.propose(ctx, rec, summary)
	if !ok {
		return
	}

	// implementing → validating → fixing
	result, ok := o.implementAndValidate(ctx, rec, proposal)
	if !ok {
		return
	}

	// publishing
	o.publish(ctx, rec, result)
}

func (o *Orchestrator) analyze(ctx context.Context, rec *cycle.Record) (string, bool) {
	rec.Stage = cycle.StageAnalyzing
	var summary string
	err := o.callExternal(ctx, rec, DependencyProposalAPI, "summarizer", func(ctx context.Context) (string, error) {
		var err error
		summary, err = o.summarizer.Summarize(ctx)
		return summary, err
	})
	if err != nil {
		o.failFromCallError(rec, err)
		return "", false
	}
	o.cachedSummary = summary
	o.recordStage(rec, cycle.StageAnalyzing, map[string]any{
		"summary_digest": digest(summary),
		"summary_chars":  len(summary),
	})
	return summary, true
}

func (o *Orchestrator) propose(ctx context.Context, rec *cycle.Record, summary string) (*cycle.Proposal, bool) {
	rec.Stage = cycle.StageProposing
	var proposal *cycle.Proposal
	err := o.callExternal(ctx, rec, DependencyProposalAPI, "proposal-generator", func(ctx context.Context) (string, error) {
		var err error
		proposal, err = o.proposer.Propose(ctx, summary)
		if proposal != nil {
			return proposal.Area, err
		}
		return "", err
	})
	if err != nil {
		if collab.IsMalformed(err) {
			// No fix-loop at the proposal stage: malformed proposals fail
			// the cycle the same way a proposal violation does.
			o.recordError(rec, 0, err.Error())
			o.fail(rec, cycle.ReasonSafetyCheckFailed)
			return nil, false
		}
		o.failFromCallError(rec, err)
		return nil, false
	}
	o.cachedProposal = proposal
	o.recordStage(rec, cycle.StageProposing, proposal)
	rec.Proposal = proposal

	verdict := o.checker.ValidateProposal(proposalText(proposal))
	if !verdict.OK {
		for _, v := range verdict.Violations {
			o.recordError(rec, 0, v.String())
		}
		o.fail(rec, cycle.ReasonSafetyCheckFailed)
		return nil, false
	}
	return proposal, true
}

// implementAndValidate produces a changeset and drives the bounded
// fix-loop until the gate passes or attempts are exhausted.
func (o *Orchestrator) implementAndValidate(ctx context.Context, rec *cycle.Record, proposal *cycle.Proposal) (*collab.ImplementResult, bool) {
	rec.Stage = cycle.StageImplementing

	result, callErr := o.invokeImplementer(ctx, rec, func(ctx context.Context) (*collab.ImplementResult, error) {
		return o.implementer.Implement(ctx, proposal)
	})
	if callErr != nil && !collab.IsMalformed(callErr) {
		o.failFromCallError(rec, callErr)
		return nil, false
	}

	for {
		verdict := o.validate(rec, result, callErr)
		if verdict.OK {
			return result, true
		}

		if rec.Attempts >= o.cfg.MaxFixAttempts {
			for _, v := range verdict.Violations {
				o.recordError(rec, rec.Attempts, v.String())
			}
			o.fail(rec, cycle.ReasonSafetyCheckFailed)
			return nil, false
		}

		rec.Stage = cycle.StageFixing
		rec.Attempts++
		if err := o.ledger.RecordAttempts(rec.ID, rec.Attempts); err != nil {
			o.logger.Warn("failed to record attempts", zap.Error(err))
		}
		if err := o.ledger.RecordFixAttempt(rec.ID, rec.Attempts, violationStrings(verdict)); err != nil {
			o.logger.Warn("failed to record fix attempt", zap.Error(err))
		}
		o.logger.Info("entering fix attempt",
			zap.String("cycle_id", rec.ID),
			zap.Int("attempt", rec.Attempts),
			zap.Int("violations", len(verdict.Violations)))

		prev := result
		if prev == nil {
			prev = &collab.ImplementResult{ChangeSet: &cycle.ChangeSet{}}
		}
		result, callErr = o.invokeImplementer(ctx, rec, func(ctx context.Context) (*collab.ImplementResult, error) {
			return o.implementer.Fix(ctx, prev, verdict.Violations)
		})
		if callErr != nil && !collab.IsMalformed(callErr) {
			o.failFromCallError(rec, callErr)
			return nil, false
		}
	}
}

// validate gates the implementer output. A malformed response counts as a
// synthetic violation so it flows through the same fix-loop.
func (o *Orchestrator) validate(rec *cycle.Record, result *collab.ImplementResult, callErr error) safety.Verdict {
	if callErr != nil {
		o.recordError(rec, rec.Attempts, callErr.Error())
		return safety.Verdict{OK: false, Violations: []safety.Violation{{
			Kind:   safety.ViolationSyntaxError,
			Detail: callErr.Error(),
		}}}
	}

	rec.Changes = result.ChangeSet.Summary()
	o.recordStage(rec, cycle.StageImplementing, map[string]any{
		"title":   result.Title,
		"changes": rec.Changes,
	})

	rec.Stage = cycle.StageValidating
	verdict := o.checker.ValidateChangeSet(result.ChangeSet)
	o.recordStage(rec, cycle.StageValidating, map[string]any{
		"ok":         verdict.OK,
		"violations": violationStrings(verdict),
	})
	return verdict
}

func (o *Orchestrator) publish(ctx context.Context, rec *cycle.Record, result *collab.ImplementResult) {
	rec.Stage = cycle.StagePublishing

	if err := o.reserveBudget(ctx, rec, DependencyPublishAPI); err != nil {
		return
	}
	defer o.limiter.Release(DependencyPublishAPI)

	if err := ctx.Err(); err != nil {
		o.recordError(rec, 0, err.Error())
		o.fail(rec, cycle.ReasonCancelled)
		return
	}

	// Publish failures are terminal for the cycle: a retry here risks
	// duplicate branches and pull requests.
	url, err := o.publisher.Publish(ctx, result.ChangeSet, result.Title, result.Description)
	if err != nil {
		o.recordError(rec, 0, err.Error())
		o.fail(rec, cycle.ReasonPublishFailed)
		return
	}
	o.recordInteraction(rec, "publisher", digest(result.Title), digest(url))
	o.recordStage(rec, cycle.StagePublishing, map[string]string{"url": url})

	rec.PublishURL = url
	rec.Stage = cycle.StageCompleted
}

// invokeImplementer wraps an implement/fix call in the uniform external
// call path; malformed output is returned to the caller for fix-loop
// handling rather than failing the call.
func (o *Orchestrator) invokeImplementer(ctx context.Context, rec *cycle.Record, fn func(ctx context.Context) (*collab.ImplementResult, error)) (*collab.ImplementResult, error) {
	var result *collab.ImplementResult
	err := o.callExternal(ctx, rec, DependencyProposalAPI, "change-implementer", func(ctx context.Context) (string, error) {
		var err error
		result, err = fn(ctx)
		if result != nil {
			return result.Title, err
		}
		return "", err
	})
	return result, err
}

// callError carries the terminal reason a wrapped external call produced.
type callError struct {
	reason string
	err    error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// callExternal is the uniform wrapper for every collaborator call: check
// cancellation, reserve budget, invoke with bounded exponential-backoff
// retries for transient failures, and record the interaction on success.
// Malformed-output errors pass through for stage-specific handling.
func (o *Orchestrator) callExternal(ctx context.Context, rec *cycle.Record, dependency, name string, fn func(ctx context.Context) (string, error)) error {
	if err := o.reserveBudgetErr(ctx, rec, dependency); err != nil {
		return err
	}
	defer o.limiter.Release(dependency)

	backoff := o.cfg.RetryBackoffBase
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			o.recordError(rec, attempt, err.Error())
			return &callError{reason: cycle.ReasonCancelled, err: err}
		}

		respDigest, err := fn(ctx)
		if err == nil {
			o.recordInteraction(rec, name, digest(name+":"+rec.ID), digest(respDigest))
			return nil
		}
		if collab.IsMalformed(err) {
			return err
		}
		lastErr = err
		o.recordError(rec, attempt, err.Error())
		if !collab.IsTransient(err) {
			// Unclassified collaborator failure: no retry budget spent on
			// something that will not recover on its own.
			return &callError{reason: cycle.ReasonTransientError, err: err}
		}
		o.logger.Warn("transient collaborator failure",
			zap.String("collaborator", name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < o.cfg.MaxRetryAttempts {
			if err := o.sleep(ctx, backoff); err != nil {
				o.recordError(rec, attempt, err.Error())
				return &callError{reason: cycle.ReasonCancelled, err: err}
			}
			backoff *= 2
			if backoff > o.cfg.RetryBackoffMax {
				backoff = o.cfg.RetryBackoffMax
			}
		}
	}
	return &callError{reason: cycle.ReasonTransientError, err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

// reserveBudgetErr reserves budget for one call, either waiting or failing
// with rate_limited per configuration.
func (o *Orchestrator) reserveBudgetErr(ctx context.Context, rec *cycle.Record, dependency string) error {
	if o.cfg.WaitForBudget {
		if err := o.limiter.WaitUntilAllowed(ctx, dependency, 1, o.cfg.BudgetPollInterval); err != nil {
			o.recordError(rec, 0, err.Error())
			return &callError{reason: cycle.ReasonCancelled, err: err}
		}
		return nil
	}
	if !o.limiter.TryReserve(dependency, 1) {
		err := fmt.Errorf("budget exhausted for %s", dependency)
		o.recordError(rec, 0, err.Error())
		return &callError{reason: cycle.ReasonRateLimited, err: err}
	}
	return nil
}

// reserveBudget is reserveBudgetErr plus terminal-state handling, for call
// sites that fail the cycle directly.
func (o *Orchestrator) reserveBudget(ctx context.Context, rec *cycle.Record, dependency string) error {
	if err := o.reserveBudgetErr(ctx, rec, dependency); err != nil {
		o.failFromCallError(rec, err)
		return err
	}
	return nil
}

// failFromCallError maps a wrapped call error to its terminal reason.
func (o *Orchestrator) failFromCallError(rec *cycle.Record, err error) {
	reason := cycle.ReasonTransientError
	if ce, ok := err.(*callError); ok {
		reason = ce.reason
	} else if collab.IsMalformed(err) {
		reason = cycle.ReasonSafetyCheckFailed
	}
	o.fail(rec, reason)
}

func (o *Orchestrator) fail(rec *cycle.Record, reason string) {
	rec.Stage = cycle.StageFailed
	rec.FailureReason = reason
}

func (o *Orchestrator) recordStage(rec *cycle.Record, stage cycle.Stage, payload any) {
	if err := o.ledger.RecordStage(rec.ID, stage, payload); err != nil {
		o.logger.Warn("failed to record stage",
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}

func (o *Orchestrator) recordError(rec *cycle.Record, attempt int, detail string) {
	rec.Errors = append(rec.Errors, detail)
	if err := o.ledger.RecordError(rec.ID, rec.Stage, attempt, detail); err != nil {
		o.logger.Warn("failed to record error", zap.Error(err))
	}
}

func (o *Orchestrator) recordInteraction(rec *cycle.Record, name, reqDigest, respDigest string) {
	if err := o.ledger.RecordInteraction(rec.ID, name, reqDigest, respDigest); err != nil {
		o.logger.Warn("failed to record interaction", zap.Error(err))
	}
}

func violationStrings(v safety.Verdict) []string {
	out := make([]string, len(v.Violations))
	for i, violation := range v.Violations {
		out[i] = violation.String()
	}
	return out
}

func proposalText(p *cycle.Proposal) string {
	return fmt.Sprintf("Area for Improvement: %s\nRationale: %s\nSuggested Changes: %s\nPotential Risks: %s\nEffort Level: %s",
		p.Area, p.Rationale, p.SuggestedChanges, p.Risk, p.Effort)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}
