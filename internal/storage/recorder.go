package storage

import (
	"context"

	"feedrelay/internal/delivery"
)

// Recorder adapts a Store to delivery.Recorder. A nil Store records nothing.
type Recorder struct {
	store Store
}

var _ delivery.Recorder = (*Recorder)(nil)

func NewRecorder(store Store) *Recorder { return &Recorder{store: store} }

func (r *Recorder) Record(ctx context.Context, o delivery.Outcome) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.AppendDelivery(ctx, DeliveryRecord{
		ArticleID:     o.ArticleID,
		FeedURL:       o.FeedURL,
		DestinationID: o.DestinationID,
		Delivered:     o.Delivered(),
		Status:        string(o.Status),
		Comment:       o.Comment,
		At:            o.At,
	})
}
