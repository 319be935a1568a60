package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
)

func TestDefaultPolicyCanonicalBytes(t *testing.T) {
	data, err := DefaultPolicy().CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t,
		`{"dedup_key":"identity_only","max_candidates_per_node":1000,"max_depth":100,"max_expansions":1000,"max_frontier_size":10000,"prune_visited_policy":"keep_visited","schema_version":"search_policy.v1"}`,
		string(data))

	d1, err := DefaultPolicy().Digest()
	require.NoError(t, err)
	p := DefaultPolicy()
	p.MaxDepth = 5
	d2, err := p.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestLoadPolicy(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    func(*Policy)
		wantErr string
	}{
		{name: "empty keeps defaults", yaml: "", want: func(*Policy) {}},
		{
			name: "overrides",
			yaml: "max_depth: 3\ndedup_key: full_state\nprune_visited_policy: release_visited\n",
			want: func(p *Policy) {
				p.MaxDepth = 3
				p.DedupKey = DedupFullState
				p.PruneVisited = PruneReleaseVisited
			},
		},
		{name: "unknown field", yaml: "max_dept: 3\n", wantErr: "max_dept"},
		{name: "bad enum", yaml: "dedup_key: fuzzy\n", wantErr: "DedupKey"},
		{name: "zero budget", yaml: "max_expansions: 0\n", wantErr: "MaxExpansions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadPolicy(strings.NewReader(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			want := DefaultPolicy()
			tt.want(&want)
			assert.Equal(t, want, got)
		})
	}
}

func node(id uint64, g int64, depth uint32) *Node {
	return &Node{
		ID:            id,
		Fingerprint:   ir.CanonicalHash(ir.DomainSearchNode, []byte{byte(id)}),
		Depth:         depth,
		GCost:         g,
		CreationOrder: id,
	}
}

func TestFrontierOrdering(t *testing.T) {
	f := newFrontier(PruneKeepVisited)
	require.True(t, f.push(node(0, 10, 0)))
	require.True(t, f.push(node(1, 5, 2)))
	require.True(t, f.push(node(2, 5, 1)))
	require.True(t, f.push(node(3, 5, 1)))

	var order []uint64
	for {
		n, ok := f.pop()
		if !ok {
			break
		}
		order = append(order, n.ID)
	}
	assert.Equal(t, []uint64{2, 3, 1, 0}, order)
	assert.Equal(t, uint64(4), f.highWater)
}

func TestFrontierVisitedFirstSeenWins(t *testing.T) {
	f := newFrontier(PruneKeepVisited)
	a := node(1, 0, 0)
	dup := node(2, 0, 0)
	dup.Fingerprint = a.Fingerprint

	assert.True(t, f.push(a))
	assert.False(t, f.push(dup))
	assert.Equal(t, 1, f.len())

	_, _ = f.pop()
	assert.True(t, f.isVisited(a.Fingerprint.Hex()), "popped nodes stay visited")
}

func TestFrontierPrune(t *testing.T) {
	for _, policy := range []PruneVisitedPolicy{PruneKeepVisited, PruneReleaseVisited} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFrontier(policy)
			nodes := []*Node{node(0, 1, 1), node(1, 3, 1), node(2, 2, 1), node(3, 4, 1)}
			for _, n := range nodes {
				f.push(n)
			}

			pruned := f.pruneTo(2)
			assert.Equal(t, []uint64{1, 3}, pruned)
			assert.Equal(t, 2, f.len())
			assert.Nil(t, f.pruneTo(2))

			released := policy == PruneReleaseVisited
			assert.Equal(t, !released, f.isVisited(nodes[1].Fingerprint.Hex()))
			assert.True(t, f.isVisited(nodes[0].Fingerprint.Hex()))

			first, _ := f.pop()
			assert.Equal(t, uint64(0), first.ID)
		})
	}
}

func TestCandidateHashBindsOpAndArgs(t *testing.T) {
	a := NewCandidate(carrier.Code32{Kind: 1, LocalID: 1}, []byte{1, 2})
	b := NewCandidate(carrier.Code32{Kind: 1, LocalID: 1}, []byte{1, 3})
	c := NewCandidate(carrier.Code32{Kind: 1, LocalID: 2}, []byte{1, 2})

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Equal(t, a.Hash, NewCandidate(a.OpCode, a.Args).Hash)
	assert.Equal(t, "0102", a.Action().OpArgsHex)
}

func TestTableScorerArtifact(t *testing.T) {
	h1 := NewCandidate(carrier.Code32{Kind: 1, LocalID: 1}, nil).Hash
	h2 := NewCandidate(carrier.Code32{Kind: 1, LocalID: 2}, nil).Hash

	s, err := NewTableScorer(map[ir.ContentHash]int64{h1: 3, h2: -1})
	require.NoError(t, err)
	data := s.CanonicalBytes()
	assert.True(t, ir.IsCanonical(data))
	assert.Equal(t, ir.CanonicalHash(ir.DomainBundleArtifact, data), s.Digest())

	parsed, err := ParseTableScorer(data)
	require.NoError(t, err)
	assert.Equal(t, s.Digest(), parsed.Digest())

	scores := parsed.Score(nil, []Candidate{{Hash: h1}, {Hash: h2}, {Hash: "sha256:00"}})
	require.Len(t, scores, 3)
	assert.Equal(t, int64(3), scores[0].Bonus)
	assert.Equal(t, int64(-1), scores[1].Bonus)
	assert.Equal(t, int64(0), scores[2].Bonus)

	_, err = ParseTableScorer([]byte(`{"entries":[],"kind":"neural","schema_version":"scorer.v1"}`))
	assert.Error(t, err)
	_, err = NewTableScorer(map[ir.ContentHash]int64{"nope": 1})
	assert.Error(t, err)
}
