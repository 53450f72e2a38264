package models

import "time"

// Audit actions recorded by the workflows.
const (
	AuditActionLogin          = "LOGIN"
	AuditActionLogout         = "LOGOUT"
	AuditActionSubmit         = "REQUEST_SUBMIT"
	AuditActionCancel         = "REQUEST_CANCEL"
	AuditActionWithdraw       = "REQUEST_WITHDRAW"
	AuditActionApprove        = "REQUEST_APPROVE"
	AuditActionReject         = "REQUEST_REJECT"
	AuditActionPaymentCorrect = "PAYMENT_CORRECT"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         int64     `db:"id" json:"id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *int64    `db:"resource_id" json:"resource_id,omitempty"`
	Details    []byte    `db:"details" json:"details,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
