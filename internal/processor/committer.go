package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/etlflow/internal/pipeline"
	"github.com/your-org/etlflow/pkg/storage/objectstore"
)

// CommitError marks a destination write that did not become durable. Always
// retryable; the atomic-write discipline guarantees no partial output is
// visible when it occurs.
type CommitError struct {
	Key string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Key, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

const (
	metaChecksum = "checksum"
	metaSchema   = "schema"
)

// Committer writes transformed payloads to the destination bucket. Writes go
// to a staging key first and are finalized with a server-side copy, so a
// reader of the destination key only ever observes complete payloads.
type Committer struct {
	store  objectstore.Client
	logger *zap.Logger
}

func NewCommitter(store objectstore.Client, logger *zap.Logger) *Committer {
	return &Committer{store: store, logger: logger}
}

// Commit makes the payload durable under destKey and returns the output
// identity (bucket/key). Re-committing identical content is a no-op success.
func (c *Committer) Commit(ctx context.Context, res *pipeline.Result, destKey string) (string, error) {
	sum := Checksum(res.Bytes)
	outputID := c.store.Bucket() + "/" + destKey

	info, err := c.store.Stat(ctx, destKey)
	switch {
	case err == nil:
		if metaValue(info.Metadata, metaChecksum) == sum {
			c.logger.Debug("destination already holds identical content",
				zap.String("key", destKey), zap.String("checksum", sum))
			return outputID, nil
		}
		// Same destination, different bytes: the pipeline is deterministic, so
		// this means the destination was written outside the processor.
		// Overwrite with the canonical output.
	case !errors.Is(err, objectstore.ErrNotFound):
		return "", &CommitError{Key: destKey, Err: err}
	}

	stagingKey := destKey + ".staging." + uuid.NewString()
	metadata := map[string]string{
		metaChecksum: sum,
		metaSchema:   res.Schema,
	}
	if err := c.store.Put(ctx, stagingKey, bytes.NewReader(res.Bytes), int64(len(res.Bytes)), metadata); err != nil {
		return "", &CommitError{Key: destKey, Err: fmt.Errorf("stage write: %w", err)}
	}
	if err := c.store.Copy(ctx, stagingKey, destKey); err != nil {
		// Best effort: a retry mints a fresh staging key, so an orphan here
		// would otherwise accumulate until bucket lifecycle rules reap it.
		if rmErr := c.store.Remove(ctx, stagingKey); rmErr != nil {
			c.logger.Warn("remove staging object", zap.String("key", stagingKey), zap.Error(rmErr))
		}
		return "", &CommitError{Key: destKey, Err: fmt.Errorf("finalize: %w", err)}
	}
	if err := c.store.Remove(ctx, stagingKey); err != nil {
		c.logger.Warn("remove staging object", zap.String("key", stagingKey), zap.Error(err))
	}

	return outputID, nil
}

// Checksum is the content digest stored alongside committed objects.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// metaValue looks up object user metadata case-insensitively; stores
// canonicalize user metadata keys on the way back.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
