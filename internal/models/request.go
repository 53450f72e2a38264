package models

// RequestStatus is the bounded lifecycle of an admission request. A seat is
// held while the status is SUBMITTED or ACCEPTED and released by REJECTED
// or CANCELLED.
type RequestStatus string

const (
	StatusSubmitted RequestStatus = "SUBMITTED"
	StatusAccepted  RequestStatus = "ACCEPTED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// RequestKind distinguishes how an enrollment is paid for. Placement exam
// registrations only ever use KindPayment.
type RequestKind string

const (
	KindPayment   RequestKind = "PAYMENT"
	KindExemption RequestKind = "EXEMPTION"
)

// ProofMeta describes a stored proof artifact. The admission core persists
// only this metadata; the artifact bytes live with the document store.
type ProofMeta struct {
	Path      string `json:"-"`
	Filename  string `json:"filename"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// ProofRef builds a ProofMeta from the flat columns a request row carries,
// returning nil when the slot is empty.
func ProofRef(path, mime *string, size *int64) *ProofMeta {
	if path == nil || *path == "" {
		return nil
	}
	meta := &ProofMeta{Path: *path, Filename: baseName(*path)}
	if mime != nil {
		meta.MIMEType = *mime
	}
	if size != nil {
		meta.SizeBytes = *size
	}
	return meta
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
