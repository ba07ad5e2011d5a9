package uplink

import (
	"context"
	"errors"

	"resqmesh/mesh"
)

// Chain tries uploaders in order. The first success wins.
type Chain []mesh.Uploader

// Upload returns nil as soon as one uploader succeeds, or every failure joined.
func (c Chain) Upload(ctx context.Context, message mesh.Message) error {
	if len(c) == 0 {
		return mesh.ErrNoUplink
	}
	var errs []error
	for _, uploader := range c {
		err := uploader.Upload(ctx, message)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}
