package delivery

import (
	"context"

	"github.com/italolelis/usgs_downloader/internal/telemetry"
)

// InstrumentedCatalog wraps a Catalog with telemetry.
type InstrumentedCatalog struct {
	catalog    Catalog
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedCatalog creates a new instrumented catalog.
func NewInstrumentedCatalog(catalog Catalog, tel *telemetry.Telemetry, clientType string) *InstrumentedCatalog {
	return &InstrumentedCatalog{
		catalog:    catalog,
		telemetry:  tel,
		clientType: clientType,
	}
}

// FetchDownloadOptions resolves download options with telemetry.
func (c *InstrumentedCatalog) FetchDownloadOptions(ctx context.Context, dataset string, entityIDs []string) ([]OptionRecord, error) {
	var result []OptionRecord

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_download_options", func(ctx context.Context) error {
		result, err = c.catalog.FetchDownloadOptions(ctx, dataset, entityIDs)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// CancelPendingOrders cancels pending orders with telemetry.
func (c *InstrumentedCatalog) CancelPendingOrders(ctx context.Context, label string) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "cancel_pending_orders", func(ctx context.Context) error {
		return c.catalog.CancelPendingOrders(ctx, label)
	})
}

// SubmitOrder submits an order with telemetry.
func (c *InstrumentedCatalog) SubmitOrder(ctx context.Context, label string, items []DownloadItem) ([]string, error) {
	var result []string

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "submit_order", func(ctx context.Context) error {
		result, err = c.catalog.SubmitOrder(ctx, label, items)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// PollDownloadLinks polls for links with telemetry.
func (c *InstrumentedCatalog) PollDownloadLinks(ctx context.Context, label string) (*RetrieveResult, error) {
	var result *RetrieveResult

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "poll_download_links", func(ctx context.Context) error {
		result, err = c.catalog.PollDownloadLinks(ctx, label)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
