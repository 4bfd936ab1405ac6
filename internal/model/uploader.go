package model

import "context"

// Uploader publishes the report of a finished run.
type Uploader interface {
	Upload(ctx context.Context, report Report) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
