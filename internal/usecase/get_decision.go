package usecase

import (
	"context"
	"errors"
	"fmt"

	"loanflow/internal/domain/loan"
)

var ErrDecisionNotFound = errors.New("decision not found")

type DecisionCache interface {
	Latest(ctx context.Context, id string) (loan.Decision, bool, error)
}

type GetDecision struct {
	cache DecisionCache
}

func NewGetDecision(cache DecisionCache) *GetDecision {
	return &GetDecision{cache: cache}
}

func (uc *GetDecision) Execute(ctx context.Context, id string) (loan.Decision, error) {
	d, ok, err := uc.cache.Latest(ctx, id)
	if err != nil {
		return loan.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	if !ok {
		return loan.Decision{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	return d, nil
}
