package delivery

import "context"

// Catalog is the remote scene catalog and order lifecycle, as consumed by
// the orchestrator. The production implementation lives in internal/m2m.
type Catalog interface {
	// FetchDownloadOptions resolves entity IDs to deliverable products.
	// Entities absent from the result are unresolved.
	FetchDownloadOptions(ctx context.Context, dataset string, entityIDs []string) ([]OptionRecord, error)

	// CancelPendingOrders removes any order still pending under the label.
	CancelPendingOrders(ctx context.Context, label string) error

	// SubmitOrder places a fresh order under the label and returns the
	// entity IDs the service refused. Those will never receive a link.
	SubmitOrder(ctx context.Context, label string, items []DownloadItem) ([]string, error)

	// PollDownloadLinks returns the links granted so far for the label.
	PollDownloadLinks(ctx context.Context, label string) (*RetrieveResult, error)
}

// OptionRecord is one entity's resolution from a download-options call.
type OptionRecord struct {
	EntityID  string
	ProductID string
	DisplayID string
	// FileSize is zero for products that exist but have nothing to deliver.
	FileSize int64
}

// DownloadItem identifies one product to order.
type DownloadItem struct {
	EntityID  string
	ProductID string
}

// LinkRecord is one delivery link granted by the service. LinkID is
// opaque and only used to de-duplicate links across polls.
type LinkRecord struct {
	LinkID      string
	EntityID    string
	DownloadURL string
}

// RetrieveResult is the outcome of one link poll. Only Available links
// carry a usable URL; Requested entries are still being prepared.
type RetrieveResult struct {
	Available []LinkRecord
	Requested []LinkRecord
}
