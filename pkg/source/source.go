package source

import "io"

// Source is a read-only view of the executable image the pager reads
// populated pages from. ReadAt fills the buffer completely or fails: the
// caller computed the request from the segment table, so running out of
// image mid-buffer means the image is truncated.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}
