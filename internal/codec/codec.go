// Package codec converts loan submissions and decisions to and from the JSON
// payloads carried by the streams.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"loanflow/internal/domain/loan"
)

var (
	ErrEncoding = errors.New("encoding error")
	ErrDecode   = errors.New("decode error")
)

type submissionWire struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Income      float64 `json:"income"`
	Term        float64 `json:"term"`
	SubmittedAt string  `json:"submitted_at"`
}

type decisionWire struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	DecidedAt string `json:"decided_at"`
}

// number accepts a JSON number or a string holding one. Form submissions
// arrive with every field as a string.
type number struct {
	value float64
	set   bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	raw := string(b)
	if strings.HasPrefix(raw, `"`) {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", raw)
	}
	n.value, n.set = v, true
	return nil
}

type submissionIn struct {
	ID          *string `json:"id"`
	Amount      number  `json:"amount"`
	Income      number  `json:"income"`
	Term        number  `json:"term"`
	SubmittedAt *string `json:"submitted_at"`
}

type decisionIn struct {
	ID        *string `json:"id"`
	Status    *string `json:"status"`
	Reason    *string `json:"reason"`
	DecidedAt *string `json:"decided_at"`
}

func EncodeSubmission(s loan.Submission) ([]byte, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: submission id is empty", ErrEncoding)
	}
	if name, ok := allFinite(s.Amount, s.Income, s.Term); !ok {
		return nil, fmt.Errorf("%w: %s is not finite", ErrEncoding, name)
	}

	b, err := json.Marshal(submissionWire{
		ID:          s.ID,
		Amount:      s.Amount,
		Income:      s.Income,
		Term:        s.Term,
		SubmittedAt: formatTime(s.SubmittedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return b, nil
}

func DecodeSubmission(b []byte) (loan.Submission, error) {
	var in submissionIn
	if err := json.Unmarshal(b, &in); err != nil {
		return loan.Submission{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch {
	case in.ID == nil || *in.ID == "":
		return loan.Submission{}, missing("id")
	case !in.Amount.set:
		return loan.Submission{}, missing("amount")
	case !in.Income.set:
		return loan.Submission{}, missing("income")
	case !in.Term.set:
		return loan.Submission{}, missing("term")
	case in.SubmittedAt == nil:
		return loan.Submission{}, missing("submitted_at")
	}

	if name, ok := allFinite(in.Amount.value, in.Income.value, in.Term.value); !ok {
		return loan.Submission{}, fmt.Errorf("%w: %s is not finite", ErrDecode, name)
	}

	at, err := parseTime(*in.SubmittedAt)
	if err != nil {
		return loan.Submission{}, fmt.Errorf("%w: submitted_at: %w", ErrDecode, err)
	}

	return loan.Submission{
		ID:          *in.ID,
		Amount:      in.Amount.value,
		Income:      in.Income.value,
		Term:        in.Term.value,
		SubmittedAt: at,
	}, nil
}

// DecodeApplication reads a loan application as sent by a client: the id is
// optional and submitted_at, if present, is ignored.
func DecodeApplication(b []byte) (loan.Submission, error) {
	var in submissionIn
	if err := json.Unmarshal(b, &in); err != nil {
		return loan.Submission{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch {
	case !in.Amount.set:
		return loan.Submission{}, missing("amount")
	case !in.Income.set:
		return loan.Submission{}, missing("income")
	case !in.Term.set:
		return loan.Submission{}, missing("term")
	}
	if name, ok := allFinite(in.Amount.value, in.Income.value, in.Term.value); !ok {
		return loan.Submission{}, fmt.Errorf("%w: %s is not finite", ErrDecode, name)
	}

	s := loan.Submission{Amount: in.Amount.value, Income: in.Income.value, Term: in.Term.value}
	if in.ID != nil {
		s.ID = *in.ID
	}
	return s, nil
}

func EncodeDecision(d loan.Decision) ([]byte, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: decision id is empty", ErrEncoding)
	}
	if !d.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrEncoding, d.Status)
	}

	b, err := json.Marshal(decisionWire{
		ID:        d.ID,
		Status:    string(d.Status),
		Reason:    d.Reason,
		DecidedAt: formatTime(d.DecidedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return b, nil
}

func DecodeDecision(b []byte) (loan.Decision, error) {
	var in decisionIn
	if err := json.Unmarshal(b, &in); err != nil {
		return loan.Decision{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch {
	case in.ID == nil || *in.ID == "":
		return loan.Decision{}, missing("id")
	case in.Status == nil:
		return loan.Decision{}, missing("status")
	case in.DecidedAt == nil:
		return loan.Decision{}, missing("decided_at")
	}

	status := loan.Status(*in.Status)
	if !status.Valid() {
		return loan.Decision{}, fmt.Errorf("%w: unknown status %q", ErrDecode, *in.Status)
	}

	at, err := parseTime(*in.DecidedAt)
	if err != nil {
		return loan.Decision{}, fmt.Errorf("%w: decided_at: %w", ErrDecode, err)
	}

	d := loan.Decision{ID: *in.ID, Status: status, DecidedAt: at}
	if in.Reason != nil {
		d.Reason = *in.Reason
	}
	return d, nil
}

// allFinite checks amount, income and term in that order and names the
// first offending field.
func allFinite(amount, income, term float64) (string, bool) {
	for i, v := range [...]float64{amount, income, term} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return [...]string{"amount", "income", "term"}[i], false
		}
	}
	return "", true
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %q", ErrDecode, field)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
