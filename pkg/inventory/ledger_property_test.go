//go:build property
// +build property

package inventory

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerInvariantsUnderRandomOps drives random reserve/release sequences.
// Property: available and reserved stay non-negative and sum to on_hand.
func TestLedgerInvariantsUnderRandomOps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ledger never goes negative and conserves stock", prop.ForAll(
		func(initial int, ops []int) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			if err := l.Restock(ctx, "wh", "v", initial); err != nil {
				return false
			}
			for _, op := range ops {
				if op == 0 {
					continue
				}
				if op > 0 {
					_ = l.Reserve(ctx, "wh", "v", op)
				} else {
					_ = l.Release(ctx, "wh", "v", -op)
				}
				row, err := l.Get(ctx, "wh", "v")
				if err != nil || !row.Consistent() || row.OnHand != initial {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 100),
		gen.SliceOf(gen.IntRange(-20, 20)),
	))

	properties.TestingRun(t)
}
