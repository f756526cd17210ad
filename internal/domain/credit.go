package domain

import "time"

// CreditReason categorizes ledger entries.
type CreditReason string

const (
	ReasonImageCharge   CreditReason = "image_charge"
	ReasonImageRefund   CreditReason = "image_refund"
	ReasonMeshCharge    CreditReason = "mesh_charge"
	ReasonMeshRefund    CreditReason = "mesh_refund"
	ReasonTextureCharge CreditReason = "texture_charge"
	ReasonTextureRefund CreditReason = "texture_refund"
)

// CreditTransaction is one append-only ledger entry. Refunds are new entries
// with positive amounts, never edits.
type CreditTransaction struct {
	ID         string
	UserID     string
	Amount     int // negative for charges, positive for refunds
	Reason     CreditReason
	PipelineID string
	CreatedAt  time.Time
}
