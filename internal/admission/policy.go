package admission

import (
	"fmt"
	"io"
	"strings"

	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

// Upload carries one proof document handed in by the applicant, still
// unread: the policy checks run before any byte is persisted.
type Upload struct {
	Filename  string
	MIMEType  string
	SizeBytes int64
	Content   io.Reader
}

// Policy bundles the paperwork rules previously scattered through the
// legacy handlers. It is plain data passed into the workflow constructors.
type Policy struct {
	AllowedMIMETypes   []string
	MaxProofSizeBytes  int64
	MinRejectReasonLen int
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		AllowedMIMETypes:   []string{"application/pdf", "image/png", "image/jpeg", "image/webp"},
		MaxProofSizeBytes:  5 * 1024 * 1024,
		MinRejectReasonLen: 6,
	}
}

// CheckUpload validates one proof document against the allow-list and size
// cap. It must pass before any lock is taken or row mutated.
func (p Policy) CheckUpload(u *Upload) error {
	if u == nil {
		return appErrors.Clone(appErrors.ErrInvalidAttachment, "proof document required")
	}
	mime := strings.ToLower(strings.TrimSpace(u.MIMEType))
	allowed := false
	for _, m := range p.AllowedMIMETypes {
		if mime == strings.ToLower(m) {
			allowed = true
			break
		}
	}
	if !allowed {
		return appErrors.Clone(appErrors.ErrInvalidAttachment,
			fmt.Sprintf("document type %q not allowed (use PDF/PNG/JPEG/WEBP)", u.MIMEType))
	}
	if p.MaxProofSizeBytes > 0 && u.SizeBytes > p.MaxProofSizeBytes {
		return appErrors.Clone(appErrors.ErrInvalidAttachment,
			fmt.Sprintf("document exceeds the %d MB limit", p.MaxProofSizeBytes/(1024*1024)))
	}
	return nil
}

// CheckAmount validates the payment amount for the given kind: payments
// require a strictly positive amount in minor units, exemptions carry none.
func (p Policy) CheckAmount(kind models.RequestKind, amountCents *int64) error {
	if kind != models.KindPayment {
		return nil
	}
	if amountCents == nil || *amountCents <= 0 {
		return appErrors.ErrInvalidAmount
	}
	return nil
}

// CheckReason validates and normalises a rejection reason.
func (p Policy) CheckReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	min := p.MinRejectReasonLen
	if min <= 0 {
		min = 6
	}
	if len(trimmed) < min {
		return "", appErrors.Clone(appErrors.ErrReasonRequired,
			fmt.Sprintf("a rejection reason of at least %d characters is required", min))
	}
	return trimmed, nil
}
