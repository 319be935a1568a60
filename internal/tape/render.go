package tape

import "github.com/roach88/keel/internal/search"

// Render rebuilds the search graph from a decoded log. For a log written
// during a run, the result is byte-identical to the graph the run returned.
func Render(t *Tape) (*search.Graph, error) {
	var (
		nodes      []search.NodeEvent
		expansions []search.Expansion
		term       *search.Termination
		highWater  uint64
		seen       = make(map[uint64]struct{})
	)
	for i, rec := range t.Records {
		switch rec.Type {
		case RecordNodeCreation:
			if _, dup := seen[rec.Node.NodeID]; dup {
				return nil, recordErr(i, ErrCodeStructure, "node %d created twice", rec.Node.NodeID)
			}
			if rec.Node.ParentID != nil {
				if _, ok := seen[*rec.Node.ParentID]; !ok {
					return nil, recordErr(i, ErrCodeStructure, "node %d has unknown parent %d", rec.Node.NodeID, *rec.Node.ParentID)
				}
			}
			seen[rec.Node.NodeID] = struct{}{}
			nodes = append(nodes, *rec.Node)
		case RecordExpansion:
			if _, ok := seen[rec.Expansion.NodeID]; !ok {
				return nil, recordErr(i, ErrCodeStructure, "expansion of unknown node %d", rec.Expansion.NodeID)
			}
			expansions = append(expansions, *rec.Expansion)
		case RecordTermination:
			term = rec.Termination
			highWater = rec.HighWater
		}
	}
	if term == nil {
		return nil, formatErr(ErrCodeStructure, "no termination record")
	}
	return search.BuildGraph(t.Header.Metadata(), nodes, expansions, *term, highWater), nil
}
