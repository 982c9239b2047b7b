package ports

import "context"

// TransferResult reports one completed transfer, including any sibling files
// (subtitles) moved alongside the video.
type TransferResult struct {
	DestPath         string
	BytesTransferred int64 // all files moved, siblings included
	FileBytes        int64 // the primary file alone
	Sidecars         []string
}

// Mover moves files between the bulk tier and the cache tier with crash-safe
// rename semantics. Implementations serialize transfers targeting the same
// original path.
type Mover interface {
	CopyToCache(ctx context.Context, originalPath string) (TransferResult, error)
	RestoreToArray(ctx context.Context, originalPath string) (TransferResult, error)
	DeleteFromCache(originalPath string) (int64, error)
	CachePath(originalPath string) string
	IsCached(originalPath string) bool
}
