package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dokanhq/dokansync/domain"
)

func seqs(values ...int64) []domain.Op {
	ops := make([]domain.Op, len(values))
	for i, v := range values {
		ops[i] = domain.Op{ServerSeq: v}
	}
	return ops
}

func TestPullWindow(t *testing.T) {
	cases := []struct {
		name     string
		after    int64
		latest   int64
		limit    int
		ops      []domain.Op
		wantNext int64
		wantMore bool
	}{
		{
			name:  "full page leaves more",
			after: 0, latest: 10, limit: 2, ops: seqs(1, 2),
			wantNext: 2, wantMore: true,
		},
		{
			name:  "short page steps over own writes",
			after: 2, latest: 5, limit: 10, ops: seqs(3),
			wantNext: 5, wantMore: false,
		},
		{
			name:  "empty page at head",
			after: 5, latest: 5, limit: 10, ops: nil,
			wantNext: 5, wantMore: false,
		},
		{
			name: "page outrunning the snapshot is kept",
			// An op committed between the head snapshot and the scan
			// shows up in the page with a seq above latest.
			after: 0, latest: 3, limit: 10, ops: seqs(1, 2, 3, 4),
			wantNext: 4, wantMore: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := pullWindow(tc.after, tc.latest, tc.limit, tc.ops)
			require.Equal(t, tc.wantNext, resp.Next)
			require.Equal(t, tc.wantMore, resp.More)
		})
	}
}

// An op that commits after the head snapshot but before the scan may be
// absent from a short page. The cursor must stop at the snapshot so the
// next pull delivers it; advancing past it would skip the op forever.
func TestPullWindowNeverAdvancesPastSnapshot(t *testing.T) {
	// Ops 1..3 are the pulling device's own writes, so the page is
	// empty. Op 4 from another device committed after the snapshot.
	resp := pullWindow(0, 3, 10, nil)
	require.Equal(t, int64(3), resp.Next, "cursor must not pass the pre-scan head")
	require.False(t, resp.More)

	// Following pull from the returned cursor sees op 4.
	resp = pullWindow(resp.Next, 4, 10, seqs(4))
	require.Equal(t, int64(4), resp.Next)
	require.False(t, resp.More)
}
