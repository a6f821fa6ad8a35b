package usecase

import (
	"context"
	"fmt"
	"time"

	"loanflow/internal/codec"
	"loanflow/internal/domain/loan"
	"loanflow/internal/logstream"

	"github.com/google/uuid"
)

// SubmitLoan appends loan applications to the submission stream.
type SubmitLoan struct {
	writer logstream.Writer
	stream string
	now    func() time.Time
}

func NewSubmitLoan(writer logstream.Writer, stream string) *SubmitLoan {
	return &SubmitLoan{
		writer: writer,
		stream: stream,
		now:    time.Now,
	}
}

type SubmitLoanParams struct {
	// ID is generated when empty.
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
	Income float64 `json:"income"`
	Term   float64 `json:"term"`
}

// Execute writes the submission keyed by its id. Errors wrap
// codec.ErrEncoding for unrepresentable fields and logstream.ErrWriteRejected
// when the log did not accept the record.
func (uc *SubmitLoan) Execute(ctx context.Context, params SubmitLoanParams) (loan.Submission, error) {
	sub := loan.Submission{
		ID:          params.ID,
		Amount:      params.Amount,
		Income:      params.Income,
		Term:        params.Term,
		SubmittedAt: uc.now().UTC(),
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	payload, err := codec.EncodeSubmission(sub)
	if err != nil {
		return loan.Submission{}, err
	}

	if _, err := uc.writer.Write(ctx, uc.stream, sub.ID, payload); err != nil {
		return loan.Submission{}, fmt.Errorf("submit loan %s: %w", sub.ID, err)
	}

	return sub, nil
}
