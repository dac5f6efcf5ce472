package maintenance

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/store"
)

// NukeConfirmation must be passed verbatim to Nuke.
const NukeConfirmation = "Yes purge all records irreversibly"

// Nuke deletes every key under the store prefix and returns how many were
// removed. confirm must equal NukeConfirmation and prefix must equal the
// prefix the store was configured with; otherwise nothing is touched.
func Nuke(ctx context.Context, s *store.Store, confirm, prefix string, scanCount int64, logger hclog.Logger) (int64, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if confirm != NukeConfirmation {
		return 0, errs.Validation("nuke requires confirmation")
	}
	if prefix != s.Prefix() {
		return 0, errs.Validation("prefix does not match, provided %q, configured %q", prefix, s.Prefix())
	}
	if scanCount <= 0 {
		scanCount = DefaultScanCount
	}

	var deleted int64
	iter := s.Client().Scan(ctx, 0, s.AllPattern(), scanCount).Iterator()
	for iter.Next(ctx) {
		n, err := s.Client().Del(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, store.Wrap("nuke", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, store.Wrap("nuke scan", err)
	}
	logger.Named("nuke").Warn("purged all records", "prefix", store.KeyPrefix(s.Prefix()), "deleted", deleted)
	return deleted, nil
}
