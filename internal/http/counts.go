package http

import (
	"context"

	"github.com/fyrsmithlabs/validationd/internal/store"
)

// pendingKickoffScanLimit bounds the health probe's store read.
const pendingKickoffScanLimit = 1000

// CountPendingKickoffs counts runs still waiting for the executor to accept
// their kickoff. Returns -1 if the store is nil or cannot be read.
func CountPendingKickoffs(ctx context.Context, st store.Store) int {
	if st == nil {
		return -1
	}
	runs, err := st.ListPendingKickoffs(ctx, pendingKickoffScanLimit)
	if err != nil {
		return -1
	}
	return len(runs)
}
