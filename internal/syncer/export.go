package syncer

import (
	"bufio"
	"context"
	"os"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/galedi/lvsync/internal/store"
)

// feedbackLineEnding matches what partner sites have always received.
const feedbackLineEnding = "\r\n"

// export observes the sentinel files and carries out the resulting action.
func (e *Engine) export(ctx context.Context, p Partner, logger glog.Logger) (ExportResult, error) {
	var res ExportResult
	partner := p.ID.String()

	requestExists, err := p.DropSite.Exists(ctx, p.RequestFile)
	if err != nil {
		return res, err
	}
	feedbackExists, err := p.DropSite.Exists(ctx, p.FeedbackFile)
	if err != nil {
		return res, err
	}
	res.Action = Decide(requestExists, feedbackExists)

	switch res.Action {
	case ActionExport:
		return e.exportPending(ctx, p, logger, res)
	case ActionRemoveFeedback:
		removed, err := p.DropSite.Delete(ctx, p.FeedbackFile)
		if err != nil {
			return res, err
		}
		res.FeedbackRemoved = removed
		logger.Info("stale feedback file removed", "partner", partner, "file", p.FeedbackFile, "removed", removed)
	case ActionFeedbackPending:
		logger.Info("feedback file still pending", "partner", partner, "file", p.FeedbackFile)
	default:
		logger.Debug("nothing requested", "partner", partner)
	}
	return res, nil
}

// exportPending uploads the pending batch as the feedback file and marks
// exactly the uploaded rows delivered. An empty batch still produces an empty
// file so the partner can tell "no data" from "not handled yet".
func (e *Engine) exportPending(ctx context.Context, p Partner, logger glog.Logger, res ExportResult) (ExportResult, error) {
	partner := p.ID.String()

	pending, err := e.store.ReadPending(ctx, p.ID)
	if err != nil {
		return res, err
	}

	local, err := e.tempPath(p.ID, p.FeedbackFile)
	if err != nil {
		return res, err
	}
	defer removeTemp(local, logger)

	ids, err := writeFeedback(local, pending)
	if err != nil {
		return res, err
	}
	if err := p.DropSite.Upload(ctx, p.FeedbackFile, local); err != nil {
		return res, err
	}
	res.Exported = len(ids)
	logger.Info("feedback file uploaded", "partner", partner, "file", p.FeedbackFile, "records", len(ids))

	if len(ids) == 0 {
		return res, nil
	}
	delivered, err := e.store.MarkDelivered(ctx, p.ID, ids)
	res.Delivered = delivered
	if err != nil {
		return res, err
	}
	if delivered != int64(len(ids)) {
		logger.Warn("delivered count differs from exported records", "partner", partner, "exported", len(ids), "delivered", delivered)
	}
	return res, nil
}

func writeFeedback(path string, pending []store.PendingRecord) ([]int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(file)
	ids := make([]int64, 0, len(pending))
	for _, rec := range pending {
		if _, err := w.WriteString(rec.Fields.Join() + feedbackLineEnding); err != nil {
			_ = file.Close()
			return nil, err
		}
		ids = append(ids, rec.ID)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	return ids, nil
}
