package pipeline

import (
	"context"

	"memome/internal/metrics"
	"memome/internal/util"
	"memome/pkg/domain"
)

// BlobDiscarder deletes blobs best-effort and reports joined failures.
type BlobDiscarder interface {
	Discard(ctx context.Context, keys []string, reason string) error
}

// DeletePlan describes one record deletion.
type DeletePlan struct {
	Name string
	// Fetch returns the attachments of the caller's record.
	Fetch func(ctx context.Context) ([]domain.Attachment, error)
	// Remove deletes the record row.
	Remove func(ctx context.Context) error
}

// DeleteReport describes a finished deletion. BlobErr joins blob deletes
// that failed; the record is gone regardless.
type DeleteReport struct {
	Attachments int
	BlobErr     error
}

// Delete removes the record's blobs first and the record second. Blob
// failures do not stop the record delete.
func Delete(ctx context.Context, blobs BlobDiscarder, plan DeletePlan) (DeleteReport, error) {
	logger := util.LoggerFromContext(ctx).With("pipeline", plan.Name)
	attachments, err := plan.Fetch(ctx)
	if err != nil {
		return DeleteReport{}, err
	}

	report := DeleteReport{Attachments: len(attachments)}
	if len(attachments) > 0 {
		report.BlobErr = blobs.Discard(ctx, domain.Keys(attachments), metrics.ReasonRecordDelete)
		if report.BlobErr != nil {
			logger.Warn("record blobs not fully deleted", "err", report.BlobErr)
		}
	}

	if err := plan.Remove(ctx); err != nil {
		logger.Error("record delete failed", "err", err)
		return report, err
	}
	logger.Info("record deleted", "attachments", report.Attachments)
	return report, nil
}
