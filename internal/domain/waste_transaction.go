package domain

import (
	"math"
	"time"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusAccepted  TransactionStatus = "accepted"
	StatusRejected  TransactionStatus = "rejected"
	StatusProcessed TransactionStatus = "processed"
	StatusPaid      TransactionStatus = "paid"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:   {StatusAccepted, StatusRejected},
	StatusAccepted:  {StatusProcessed},
	StatusProcessed: {StatusPaid},
}

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusPaid
}

// CanTransition reports whether to directly follows from. Transitions are one-way
// and never skip a state.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ComputeTotal is the only source of a transaction's totalAmount.
func ComputeTotal(weightKg, pricePerKg float64) float64 {
	return RoundAmount(weightKg * pricePerKg)
}

// RoundAmount rounds to two decimal places.
func RoundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

type WasteTransaction struct {
	ID                   string            `json:"id"`
	SellerID             string            `json:"sellerId"`
	RecyclerID           string            `json:"recyclerId"`
	WasteType            string            `json:"wasteType"`
	WeightKg             float64           `json:"weightKg"`
	PricePerKg           float64           `json:"pricePerKg"`
	TotalAmount          float64           `json:"totalAmount"`
	Status               TransactionStatus `json:"status"`
	RejectionReason      string            `json:"rejectionReason,omitempty"`
	VerificationCode     *string           `json:"verificationCode"`
	VerificationIssuedAt *time.Time        `json:"verificationIssuedAt,omitempty"`
	PaymentReference     *string           `json:"paymentReference"`
	PaymentMethod        string            `json:"paymentMethod,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	ProcessedAt          *time.Time        `json:"processedAt,omitempty"`
	PaidAt               *time.Time        `json:"paidAt,omitempty"`

	// Rev is the storage revision this copy was read at. An update written
	// against an older revision fails with a conflict.
	Rev string `json:"-"`
}

type CreateWasteSaleRequest struct {
	RecyclerID string  `json:"recyclerId" validate:"required"`
	WasteType  string  `json:"wasteType" validate:"required"`
	WeightKg   float64 `json:"weightKg" validate:"gt=0"`
	PricePerKg float64 `json:"pricePerKg" validate:"gte=0"`
	// TotalAmount is accepted on the wire for old clients and always ignored.
	TotalAmount *float64 `json:"totalAmount,omitempty"`
}

type UpdateStatusRequest struct {
	Status          TransactionStatus `json:"status" validate:"required,oneof=accepted rejected processed"`
	RejectionReason string            `json:"rejectionReason"`
}

type PaymentRequest struct {
	VerificationCode string `json:"verificationCode" validate:"required,len=6,alphanum"`
	TransactionID    string `json:"transactionId"`
	PaymentMethod    string `json:"paymentMethod" validate:"required"`
}

// WasteTransactionResponse is what any party other than the seller sees:
// the verification code is never part of it.
type WasteTransactionResponse struct {
	ID                  string            `json:"id"`
	SellerID            string            `json:"sellerId"`
	RecyclerID          string            `json:"recyclerId"`
	WasteType           string            `json:"wasteType"`
	WeightKg            float64           `json:"weightKg"`
	PricePerKg          float64           `json:"pricePerKg"`
	TotalAmount         float64           `json:"totalAmount"`
	Status              TransactionStatus `json:"status"`
	RejectionReason     string            `json:"rejectionReason,omitempty"`
	HasVerificationCode bool              `json:"hasVerificationCode"`
	PaymentReference    *string           `json:"paymentReference"`
	PaymentMethod       string            `json:"paymentMethod,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	ProcessedAt         *time.Time        `json:"processedAt,omitempty"`
	PaidAt              *time.Time        `json:"paidAt,omitempty"`
}

func (t *WasteTransaction) ToResponse() *WasteTransactionResponse {
	return &WasteTransactionResponse{
		ID:                  t.ID,
		SellerID:            t.SellerID,
		RecyclerID:          t.RecyclerID,
		WasteType:           t.WasteType,
		WeightKg:            t.WeightKg,
		PricePerKg:          t.PricePerKg,
		TotalAmount:         t.TotalAmount,
		Status:              t.Status,
		RejectionReason:     t.RejectionReason,
		HasVerificationCode: t.VerificationCode != nil,
		PaymentReference:    t.PaymentReference,
		PaymentMethod:       t.PaymentMethod,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		ProcessedAt:         t.ProcessedAt,
		PaidAt:              t.PaidAt,
	}
}

type VerificationCodeResponse struct {
	TransactionID string    `json:"transactionId"`
	Code          string    `json:"code"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type TransactionStats struct {
	Role          Role                      `json:"role"`
	Total         int                       `json:"total"`
	ByStatus      map[TransactionStatus]int `json:"byStatus"`
	TotalWeightKg float64                   `json:"totalWeightKg"`
	TotalPaid     float64                   `json:"totalPaid"`
}
