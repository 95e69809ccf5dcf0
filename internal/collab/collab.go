// Package collab defines the collaborator roles the orchestrator consumes
// and the production Gemini/GitHub implementations behind them. The
// orchestrator only ever sees the interfaces and discriminates failures
// with errors.As on the typed errors in this package.
package collab

import (
	"context"

	"autoforge/internal/cycle"
	"autoforge/internal/safety"
)

// RepoSummarizer produces a textual summary of the repository under
// improvement. Callers may cache the result for the duration of a cycle;
// implementations must not.
type RepoSummarizer interface {
	Summarize(ctx context.Context) (string, error)
}

// ProposalGenerator turns a repository summary into an improvement
// proposal.
type ProposalGenerator interface {
	Propose(ctx context.Context, repoContext string) (*cycle.Proposal, error)
}

// ImplementResult is a changeset plus the publish metadata produced with
// it.
type ImplementResult struct {
	ChangeSet   *cycle.ChangeSet
	Title       string
	Description string
}

// ChangeImplementer turns proposals into changesets and revises rejected
// changesets given the gate's violation list.
type ChangeImplementer interface {
	Implement(ctx context.Context, proposal *cycle.Proposal) (*ImplementResult, error)
	Fix(ctx context.Context, prev *ImplementResult, violations []safety.Violation) (*ImplementResult, error)
}

// RepositoryPublisher publishes an approved changeset. Atomic from the
// caller's view: either a usable reference comes back or nothing was left
// half-published.
type RepositoryPublisher interface {
	Publish(ctx context.Context, cs *cycle.ChangeSet, title, description string) (string, error)
}
