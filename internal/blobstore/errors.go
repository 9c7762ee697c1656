package blobstore

import "errors"

// ErrStorageContention is returned by OptimisticUpdate when the bounded
// number of conflict retries is exhausted without a successful write.
var ErrStorageContention = errors.New("blobstore: storage contention, retries exhausted")

// ErrStorageUnavailable is returned by Read (and by OptimisticUpdate's
// initial read) when the underlying store cannot be reached or times out.
var ErrStorageUnavailable = errors.New("blobstore: storage unavailable")
