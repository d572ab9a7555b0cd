package archive

import "errors"

// Sentinel errors surfaced by the public Archive API, generalized from the
// index store's narrower error set.
var (
	ErrNotFound              = errors.New("archive: not found")
	ErrAlreadyExists         = errors.New("archive: already exists")
	ErrIsDir                 = errors.New("archive: is a directory")
	ErrNotDir                = errors.New("archive: not a directory")
	ErrDirNotEmpty           = errors.New("archive: directory not empty")
	ErrBlobTooLarge          = errors.New("archive: blob exceeds shard size cap")
	ErrShardCapExceeded      = errors.New("archive: shard size cap exceeded")
	ErrInvalidPath           = errors.New("archive: invalid path")
	ErrInvalidPattern        = errors.New("archive: invalid glob pattern")
	ErrCorruptIndex          = errors.New("archive: corrupt index")
	ErrShardIO               = errors.New("archive: shard i/o error")
	ErrChecksumMismatch      = errors.New("archive: checksum mismatch")
	ErrConcurrentWriter      = errors.New("archive: another writer session holds the lock")
	ErrBorrowOutlivesSession = errors.New("archive: mapped borrow used after session close")
	ErrReadOnly              = errors.New("archive: archive opened read-only")
	ErrAppendOnly            = errors.New("archive: not allowed in append-only mode")
	ErrIsRoot                = errors.New("archive: cannot rename or remove the root directory")
)
