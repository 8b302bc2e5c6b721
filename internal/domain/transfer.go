package domain

import (
	"time"
)

// TransferKind classifies a money movement.
type TransferKind string

const (
	TransferInternal   TransferKind = "internal"
	TransferExternal   TransferKind = "external"
	TransferWithdrawal TransferKind = "withdrawal"
	TransferDeposit    TransferKind = "deposit"
)

// Valid reports whether k is a known transfer kind.
func (k TransferKind) Valid() bool {
	switch k {
	case TransferInternal, TransferExternal, TransferWithdrawal, TransferDeposit:
		return true
	}
	return false
}

// TransferRequest is a money-transfer attempt submitted for risk scoring.
// It is treated as immutable once handed to the analyzer.
type TransferRequest struct {
	ID             string       `json:"id"`
	ActorID        string       `json:"actorId"`
	CounterpartyID string       `json:"counterpartyId"`
	Amount         float64      `json:"amount"`
	Currency       string       `json:"currency"`
	Origin         string       `json:"origin"` // country or IP-derived region
	Timestamp      time.Time    `json:"timestamp"`
	Kind           TransferKind `json:"kind"`
}

// AnalyzeRequest is the API request payload for POST /transfers/analyze.
type AnalyzeRequest struct {
	TransferID     string       `json:"transferId,omitempty"`
	ActorID        string       `json:"actorId" validate:"required"`
	CounterpartyID string       `json:"counterpartyId,omitempty"`
	Amount         float64      `json:"amount" validate:"required,gt=0"`
	Currency       string       `json:"currency" validate:"required,len=3"`
	Origin         string       `json:"origin,omitempty"`
	Kind           TransferKind `json:"kind,omitempty" validate:"omitempty,oneof=internal external withdrawal deposit"`
	Timestamp      *time.Time   `json:"timestamp,omitempty"`
}

// ToTransfer converts a request to a TransferRequest domain object.
func (r *AnalyzeRequest) ToTransfer() *TransferRequest {
	ts := time.Now().UTC()
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	kind := r.Kind
	if kind == "" {
		kind = TransferInternal
	}
	return &TransferRequest{
		ID:             r.TransferID,
		ActorID:        r.ActorID,
		CounterpartyID: r.CounterpartyID,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Origin:         r.Origin,
		Timestamp:      ts,
		Kind:           kind,
	}
}
