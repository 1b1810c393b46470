package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

func TestScope_Path(t *testing.T) {
	assert.Equal(t, filepath.Join("/out", "in_progress_products.txt"), Scope{OutputDir: "/out"}.Path())
	assert.Equal(t, filepath.Join("/out", "in_progress_products_2021.txt"),
		Scope{OutputDir: "/out", Sharding: ShardByYear, Year: 2021}.Path())
}

func TestSharding_UnmarshalText(t *testing.T) {
	var s Sharding
	require.NoError(t, s.UnmarshalText([]byte("year")))
	assert.Equal(t, ShardByYear, s)
	require.NoError(t, s.UnmarshalText([]byte("none")))
	assert.Equal(t, ShardNone, s)
	assert.Error(t, s.UnmarshalText([]byte("month")))
}

func TestReserve(t *testing.T) {
	tests := map[string]struct {
		existing     string
		jobId        int
		candidates   []string
		produced     map[string]bool
		activeJobIds []int
		expected     []string
		expectedFile string
	}{
		"empty ledger": {
			jobId:        3,
			candidates:   []string{"a", "b"},
			expected:     []string{"a", "b"},
			expectedFile: "a;3\nb;3\n",
		},
		"items held by an active job are skipped": {
			existing:     "a;1\n",
			jobId:        3,
			candidates:   []string{"a", "b"},
			activeJobIds: []int{1},
			expected:     []string{"b"},
			expectedFile: "a;1\nb;3\n",
		},
		"claims of inactive jobs are reclaimed": {
			existing:     "a;1\n",
			jobId:        3,
			candidates:   []string{"a"},
			activeJobIds: []int{2},
			expected:     []string{"a"},
			expectedFile: "a;3\n",
		},
		"claims on produced items are released": {
			existing:     "a;1\nb;1\n",
			jobId:        3,
			candidates:   []string{"c"},
			produced:     map[string]bool{"a": true},
			activeJobIds: []int{1},
			expected:     []string{"c"},
			expectedFile: "b;1\nc;3\n",
		},
		"rerun of the same job keeps its claims": {
			existing:     "a;3\n",
			jobId:        3,
			candidates:   []string{"a", "b"},
			expected:     []string{"a", "b"},
			expectedFile: "a;3\nb;3\n",
		},
		"malformed lines are dropped": {
			existing:     "garbage\nx;notanumber\na;1\n",
			jobId:        3,
			candidates:   []string{"b"},
			activeJobIds: []int{1},
			expected:     []string{"b"},
			expectedFile: "a;1\nb;3\n",
		},
		"item keys may contain separators": {
			existing:     "S2A;T31;2021;1\n",
			jobId:        3,
			candidates:   []string{"S2A;T31;2021"},
			activeJobIds: []int{1},
			expectedFile: "S2A;T31;2021;1\n",
		},
		"duplicate candidates are claimed once": {
			jobId:        3,
			candidates:   []string{"a", "a"},
			expected:     []string{"a"},
			expectedFile: "a;3\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			scope := Scope{OutputDir: t.TempDir()}
			if tc.existing != "" {
				require.NoError(t, os.WriteFile(scope.Path(), []byte(tc.existing), 0o644))
			}
			reserved, err := New().Reserve(orchcontext.Background(), Request{
				Scope:        scope,
				JobId:        tc.jobId,
				Candidates:   tc.candidates,
				Produced:     tc.produced,
				ActiveJobIds: tc.activeJobIds,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, reserved)
			contents, err := os.ReadFile(scope.Path())
			require.NoError(t, err)
			assert.Equal(t, tc.expectedFile, string(contents))
		})
	}
}

func TestReserve_OverlappingPassesNeverShareItems(t *testing.T) {
	ledger := New()
	scope := Scope{OutputDir: t.TempDir(), Sharding: ShardByYear, Year: 2022}
	candidates := []string{"a", "b", "c", "d", "e", "f"}

	var wg sync.WaitGroup
	results := make([][]string, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reserved, err := ledger.Reserve(orchcontext.Background(), Request{
				Scope:        scope,
				JobId:        i + 1,
				Candidates:   candidates[i/2:],
				ActiveJobIds: []int{1, 2, 3, 4, 5, 6},
			})
			assert.NoError(t, err)
			results[i] = reserved
		}(i)
	}
	wg.Wait()

	owners := map[string]int{}
	for i, reserved := range results {
		for _, item := range reserved {
			previous, ok := owners[item]
			assert.False(t, ok, "%s claimed by jobs %d and %d", item, previous, i+1)
			owners[item] = i + 1
		}
	}
	assert.Len(t, owners, len(candidates))

	entries, err := Read(scope.Path())
	require.NoError(t, err)
	assert.Len(t, entries, len(candidates))
}

func TestReserve_ReclaimAfterJobEnds(t *testing.T) {
	ledger := New()
	scope := Scope{OutputDir: t.TempDir()}
	ctx := orchcontext.Background()

	first, err := ledger.Reserve(ctx, Request{Scope: scope, JobId: 1, Candidates: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first)

	second, err := ledger.Reserve(ctx, Request{Scope: scope, JobId: 2, Candidates: []string{"a", "b"}, ActiveJobIds: []int{1}})
	require.NoError(t, err)
	assert.Empty(t, second)

	third, err := ledger.Reserve(ctx, Request{Scope: scope, JobId: 2, Candidates: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, third)
}
