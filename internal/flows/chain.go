package flows

import (
	"context"
	"errors"

	"github.com/idatt2105/chainauth/chain"
)

// ChainFailureKind classifies chain maintenance failures.
type ChainFailureKind int

const (
	ChainFailureNone ChainFailureKind = iota
	ChainFailureNotFound
	ChainFailureForbidden
	ChainFailureStore
)

// ChainResult reports the outcome of a chain lookup or invalidation.
type ChainResult struct {
	Failure     ChainFailureKind
	Err         error
	Record      *chain.Record
	Invalidated int
}

// ChainDeps captures chain maintenance dependencies.
type ChainDeps struct {
	Store chain.Store
}

func classifyChainErr(err error) ChainResult {
	if errors.Is(err, chain.ErrNotFound) {
		return ChainResult{Failure: ChainFailureNotFound, Err: err}
	}
	return ChainResult{Failure: ChainFailureStore, Err: err}
}

// RunChainLookup returns the record for tokenID.
func RunChainLookup(ctx context.Context, tokenID string, deps ChainDeps) ChainResult {
	rec, err := deps.Store.Get(ctx, tokenID)
	if err != nil {
		return classifyChainErr(err)
	}
	return ChainResult{Record: rec}
}

// RunInvalidateChain invalidates tokenID and every successor.
func RunInvalidateChain(ctx context.Context, tokenID string, deps ChainDeps) ChainResult {
	n, err := deps.Store.InvalidateFrom(ctx, tokenID)
	if err != nil {
		return classifyChainErr(err)
	}
	return ChainResult{Invalidated: n}
}

// RunLogoutAll invalidates the chain from tokenID on behalf of subjectID.
// Unless admin is set, a record owned by another subject is reported as
// not found so its existence is not disclosed.
func RunLogoutAll(ctx context.Context, subjectID, tokenID string, admin bool, deps ChainDeps) ChainResult {
	if !admin {
		rec, err := deps.Store.Get(ctx, tokenID)
		if err != nil {
			return classifyChainErr(err)
		}
		if rec.SubjectID != subjectID {
			return ChainResult{
				Failure: ChainFailureForbidden,
				Err:     errors.New("chain owned by another subject"),
				Record:  rec,
			}
		}
	}
	return RunInvalidateChain(ctx, tokenID, deps)
}

// RunLogoutEverywhere invalidates every live chain of subjectID.
func RunLogoutEverywhere(ctx context.Context, subjectID string, deps ChainDeps) ChainResult {
	n, err := deps.Store.InvalidateSubject(ctx, subjectID)
	if err != nil {
		return ChainResult{Failure: ChainFailureStore, Err: err}
	}
	return ChainResult{Invalidated: n}
}
