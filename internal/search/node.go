package search

import (
	"bytes"
	"encoding/hex"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
)

// Candidate is one proposed operator application.
type Candidate struct {
	OpCode carrier.Code32
	Args   []byte
	Hash   ir.ContentHash
}

// NewCandidate binds op and args to their candidate hash.
func NewCandidate(op carrier.Code32, args []byte) Candidate {
	code := op.Bytes()
	buf := make([]byte, 0, len(code)+len(args))
	buf = append(buf, code[:]...)
	buf = append(buf, args...)
	return Candidate{
		OpCode: op,
		Args:   bytes.Clone(args),
		Hash:   ir.CanonicalHash(ir.DomainSearchCandidate, buf),
	}
}

// clone copies c so the copy shares no bytes with it.
func (c Candidate) clone() Candidate {
	c.Args = bytes.Clone(c.Args)
	return c
}

func cloneCandidates(cs []Candidate) []Candidate {
	out := make([]Candidate, len(cs))
	for i, c := range cs {
		out[i] = c.clone()
	}
	return out
}

// Action is the JSON form of a candidate inside the graph.
func (c Candidate) Action() Action {
	return Action{
		CanonicalHash: string(c.Hash),
		OpArgsHex:     hex.EncodeToString(c.Args),
		OpCodeHex:     c.OpCode.Hex(),
	}
}

// Node is a search tree node. Nodes are immutable once created.
type Node struct {
	ID            uint64
	ParentID      *uint64
	State         *carrier.State
	Fingerprint   ir.ContentHash
	Depth         uint32
	GCost         int64
	HCost         int64
	CreationOrder uint64
	Action        *Candidate
}

// FCost is g + h.
func (n *Node) FCost() int64 { return n.GCost + n.HCost }

// view is a detached copy of n for callers outside the search loop.
// Writes through it never reach the tree.
func (n *Node) view() *Node {
	cp := *n
	cp.State = n.State.Clone()
	if n.ParentID != nil {
		id := *n.ParentID
		cp.ParentID = &id
	}
	if n.Action != nil {
		a := n.Action.clone()
		cp.Action = &a
	}
	return &cp
}

// PopKey is the frontier ordering key of the node.
func (n *Node) PopKey() PopKey {
	return PopKey{CreationOrder: n.CreationOrder, Depth: n.Depth, FCost: n.FCost()}
}

// fingerprint hashes the bytes selected by key.
func fingerprint(st *carrier.State, key DedupKey) ir.ContentHash {
	if key == DedupFullState {
		return ir.CanonicalHash(ir.DomainSearchNode, st.EvidenceBytes())
	}
	return ir.CanonicalHash(ir.DomainSearchNode, st.IdentityBytes())
}
