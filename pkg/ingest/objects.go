package ingest

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/defrances/reportoor/pkg/storage"
)

type object struct {
	body []byte
	err  error
}

// readObjects lazily reads every key below prefix that ends with one of
// the suffixes. A listing or read failure is yielded once and ends the
// sequence.
func readObjects(
	ctx context.Context, bucket storage.Bucket, prefix string, suffixes ...string,
) iter.Seq2[string, object] {
	return func(yield func(string, object) bool) {
		keys, err := bucket.List(ctx, prefix)
		if err != nil {
			yield(prefix, object{err: fmt.Errorf("listing %s: %w", bucket, err)})

			return
		}

		for _, key := range keys {
			if !hasAnySuffix(key, suffixes) {
				continue
			}

			if err := ctx.Err(); err != nil {
				yield(key, object{err: err})

				return
			}

			data, err := bucket.Get(ctx, key)
			if err != nil {
				yield(key, object{err: fmt.Errorf("reading %s: %w", key, err)})

				return
			}

			// Listed but gone before the read; nothing to ingest.
			if data == nil {
				continue
			}

			if !yield(key, object{body: data}) {
				return
			}
		}
	}
}

func hasAnySuffix(key string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}

	return false
}
