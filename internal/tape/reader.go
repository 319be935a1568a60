package tape

import (
	"bytes"
	"encoding/hex"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
)

// Read parses a full STAP log, verifying the chain, the record count and
// the record structure: exactly one termination, and it comes last.
func Read(data []byte) (*Tape, error) {
	env, payload, err := envelope.Split(data)
	if err != nil {
		return nil, formatErr(ErrCodeBadEnvelope, "%v", err)
	}

	r := reader{data: payload}
	magic, ok := r.take(len(Magic))
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "missing magic")
	}
	if string(magic) != Magic {
		return nil, formatErr(ErrCodeBadMagic, "got %q, want %q", magic, Magic)
	}
	version, ok := r.u16()
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "version")
	}
	if version != Version {
		return nil, formatErr(ErrCodeBadVersion, "version %d, want %d", version, Version)
	}
	headerLen, ok := r.u32()
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "header length")
	}
	headerBytes, ok := r.take(int(headerLen))
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "header")
	}
	if !ir.IsCanonical(headerBytes) {
		return nil, formatErr(ErrCodeNonCanonical, "header is not canonical JSON")
	}
	var header Header
	if err := ir.DecodeStrict(headerBytes, &header); err != nil {
		return nil, formatErr(ErrCodeBadHeader, "%v", err)
	}
	if header.SchemaVersion != SchemaVersion {
		return nil, formatErr(ErrCodeBadHeader, "schema_version %q, want %q", header.SchemaVersion, SchemaVersion)
	}

	// The footer is located from the end.
	rest := payload[r.off:]
	if len(rest) < 8 {
		return nil, formatErr(ErrCodeTruncated, "footer trailer")
	}
	if string(rest[len(rest)-4:]) != FooterMagic {
		return nil, formatErr(ErrCodeBadMagic, "footer magic %q, want %q", rest[len(rest)-4:], FooterMagic)
	}
	footerLen := int(le.Uint32(rest[len(rest)-8:]))
	if footerLen > len(rest)-8 {
		return nil, formatErr(ErrCodeTruncated, "footer length %d exceeds %d available bytes", footerLen, len(rest)-8)
	}
	footerBytes := rest[len(rest)-8-footerLen : len(rest)-8]
	if !ir.IsCanonical(footerBytes) {
		return nil, formatErr(ErrCodeNonCanonical, "footer is not canonical JSON")
	}
	var footer Footer
	if err := ir.DecodeStrict(footerBytes, &footer); err != nil {
		return nil, formatErr(ErrCodeBadFooter, "%v", err)
	}
	if _, err := ir.ParseContentHash(string(footer.FinalChainHash)); err != nil {
		return nil, formatErr(ErrCodeBadFooter, "%v", err)
	}

	body := reader{data: rest[:len(rest)-8-footerLen]}
	chain := chainSeed(headerBytes)
	var records []Record
	for body.off < len(body.data) {
		idx := len(records)
		start := body.off
		frameLen, ok := body.u32()
		if !ok || frameLen == 0 {
			return nil, recordErr(idx, ErrCodeTruncated, "record length")
		}
		frame, ok := body.take(int(frameLen))
		if !ok {
			return nil, recordErr(idx, ErrCodeTruncated, "record body of %d bytes", frameLen)
		}
		chain = chainLink(chain, body.data[start:body.off])

		rec, err := parseRecord(RecordType(frame[0]), frame[1:])
		if err != nil {
			err.Record = idx
			return nil, err
		}
		records = append(records, rec)
	}

	if uint64(len(records)) != footer.RecordCount {
		return nil, formatErr(ErrCodeCountMismatch, "footer says %d records, found %d", footer.RecordCount, len(records))
	}
	if got := ir.FromRaw(chain); got != footer.FinalChainHash {
		return nil, formatErr(ErrCodeChainMismatch, "chain %s, footer %s", got, footer.FinalChainHash)
	}
	if err := checkStructure(records); err != nil {
		return nil, err
	}

	return &Tape{
		Envelope:    env,
		Header:      header,
		HeaderBytes: bytes.Clone(headerBytes),
		Records:     records,
		Footer:      footer,
	}, nil
}

func checkStructure(records []Record) error {
	if len(records) == 0 {
		return formatErr(ErrCodeStructure, "no records")
	}
	if records[0].Type != RecordNodeCreation || records[0].Node.ParentID != nil {
		return recordErr(0, ErrCodeStructure, "first record must create the root")
	}
	last := len(records) - 1
	for i, rec := range records {
		if rec.Type == RecordTermination && i != last {
			return recordErr(i, ErrCodeStructure, "termination before end of log")
		}
	}
	if records[last].Type != RecordTermination {
		return recordErr(last, ErrCodeStructure, "log does not end with a termination")
	}
	return nil
}

func parseRecord(t RecordType, body []byte) (Record, *FormatError) {
	r := reader{data: body}
	var rec Record
	var err *FormatError
	switch t {
	case RecordNodeCreation:
		rec, err = parseNode(&r)
	case RecordExpansion:
		rec, err = parseExpansion(&r)
	case RecordTermination:
		rec, err = parseTermination(&r)
	default:
		return Record{}, formatErr(ErrCodeUnknownRecordType, "type %d", t)
	}
	if err != nil {
		return Record{}, err
	}
	if r.off != len(body) {
		return Record{}, formatErr(ErrCodeBadRecord, "%d trailing bytes in record", len(body)-r.off)
	}
	return rec, nil
}

func short(what string) *FormatError {
	return formatErr(ErrCodeTruncated, "%s", what)
}

func parseNode(r *reader) (Record, *FormatError) {
	var ev search.NodeEvent
	var ok bool
	if ev.NodeID, ok = r.u64(); !ok {
		return Record{}, short("node id")
	}
	flag, ok := r.u8()
	if !ok {
		return Record{}, short("parent flag")
	}
	switch flag {
	case 0:
	case 1:
		pid, ok := r.u64()
		if !ok {
			return Record{}, short("parent id")
		}
		ev.ParentID = &pid
	default:
		return Record{}, formatErr(ErrCodeBadRecord, "parent flag %d", flag)
	}
	fp, ok := r.hash()
	if !ok {
		return Record{}, short("fingerprint")
	}
	ev.Fingerprint = ir.FromRaw(fp)
	if ev.Depth, ok = r.u32(); !ok {
		return Record{}, short("depth")
	}
	f, ok := r.u64()
	if !ok {
		return Record{}, short("f_cost")
	}
	ev.FCost = int64(f)
	if ev.CreationOrder, ok = r.u64(); !ok {
		return Record{}, short("creation order")
	}
	return Record{Type: RecordNodeCreation, Node: &ev}, nil
}

func parseExpansion(r *reader) (Record, *FormatError) {
	exp := search.Expansion{Candidates: []search.CandidateRecord{}, Notes: []search.Note{}}
	var ok bool
	if exp.ExpansionOrder, ok = r.u64(); !ok {
		return Record{}, short("expansion order")
	}
	if exp.NodeID, ok = r.u64(); !ok {
		return Record{}, short("node id")
	}
	fp, ok := r.hash()
	if !ok {
		return Record{}, short("fingerprint")
	}
	exp.StateFingerprint = hex.EncodeToString(fp[:])
	f, ok := r.u64()
	if !ok {
		return Record{}, short("pop f_cost")
	}
	exp.PopKey.FCost = int64(f)
	if exp.PopKey.Depth, ok = r.u32(); !ok {
		return Record{}, short("pop depth")
	}
	if exp.PopKey.CreationOrder, ok = r.u64(); !ok {
		return Record{}, short("pop creation order")
	}
	truncated, ok := r.u8()
	if !ok || truncated > 1 {
		return Record{}, formatErr(ErrCodeBadRecord, "truncated flag")
	}
	exp.CandidatesTruncated = truncated == 1
	deadEnd, ok := r.u8()
	if !ok {
		return Record{}, short("dead end")
	}
	switch deadEnd {
	case deadEndNone:
	case deadEndExhaustive:
		exp.DeadEndReason = search.DeadEndExhaustive
	case deadEndBudgetLimited:
		exp.DeadEndReason = search.DeadEndBudgetLimited
	default:
		return Record{}, formatErr(ErrCodeBadRecord, "dead end tag %d", deadEnd)
	}

	n, ok := r.u32()
	if !ok {
		return Record{}, short("candidate count")
	}
	for i := uint32(0); i < n; i++ {
		c, err := parseCandidate(r)
		if err != nil {
			return Record{}, err
		}
		exp.Candidates = append(exp.Candidates, c)
	}

	if n, ok = r.u32(); !ok {
		return Record{}, short("note count")
	}
	for i := uint32(0); i < n; i++ {
		tag, ok := r.u8()
		if !ok {
			return Record{}, short("note tag")
		}
		switch tag {
		case noteCapReached:
			limit, ok := r.u64()
			if !ok {
				return Record{}, short("cap")
			}
			exp.Notes = append(exp.Notes, search.Note{Type: search.NoteCandidateCapReached, Cap: &limit})
		case noteFrontierPruned:
			count, ok := r.u32()
			if !ok || count == 0 {
				return Record{}, formatErr(ErrCodeBadRecord, "pruned count")
			}
			ids := make([]uint64, 0, min(int(count), r.remaining()/8))
			for j := uint32(0); j < count; j++ {
				id, ok := r.u64()
				if !ok {
					return Record{}, short("pruned id")
				}
				ids = append(ids, id)
			}
			exp.Notes = append(exp.Notes, search.Note{Type: search.NoteFrontierPruned, PrunedNodeIDs: ids})
		default:
			return Record{}, formatErr(ErrCodeBadRecord, "note tag %d", tag)
		}
	}
	return Record{Type: RecordExpansion, Expansion: &exp}, nil
}

func parseCandidate(r *reader) (search.CandidateRecord, *FormatError) {
	var c search.CandidateRecord
	var ok bool
	if c.Index, ok = r.u64(); !ok {
		return c, short("candidate index")
	}
	code, ok := r.take(carrier.CodeSize)
	if !ok {
		return c, short("op code")
	}
	argLen, ok := r.u16()
	if !ok {
		return c, short("args length")
	}
	args, ok := r.take(int(argLen))
	if !ok {
		return c, short("args")
	}
	hash, ok := r.hash()
	if !ok {
		return c, short("candidate hash")
	}
	op, _ := carrier.CodeFromBytes(code)
	c.Action = search.Action{
		CanonicalHash: string(ir.FromRaw(hash)),
		OpArgsHex:     hex.EncodeToString(args),
		OpCodeHex:     op.Hex(),
	}

	bonus, ok := r.u64()
	if !ok {
		return c, short("bonus")
	}
	c.Score.Bonus = int64(bonus)
	source, ok := r.u8()
	if !ok {
		return c, short("score source")
	}
	switch source {
	case sourceUniform:
		c.Score.Source = search.ScoreSource{Kind: search.SourceUniform}
	case sourceUnavailable:
		c.Score.Source = search.ScoreSource{Kind: search.SourceUnavailable}
	case sourceModelDigest:
		digest, ok := r.hash()
		if !ok {
			return c, short("model digest")
		}
		c.Score.Source = search.ScoreSource{Kind: search.SourceModelDigest, ModelDigest: ir.FromRaw(digest)}
	default:
		return c, formatErr(ErrCodeBadRecord, "score source tag %d", source)
	}

	tag, ok := r.u8()
	if !ok {
		return c, short("outcome")
	}
	outcome, ok := fromTag(outcomeTags, tag)
	if !ok {
		return c, formatErr(ErrCodeBadRecord, "outcome tag %d", tag)
	}
	c.Outcome.Type = outcome
	switch outcome {
	case search.OutcomeApplied:
		to, ok := r.u64()
		if !ok {
			return c, short("to_node")
		}
		c.Outcome.ToNode = &to
	case search.OutcomeDuplicateSuppressed:
		fp, ok := r.hash()
		if !ok {
			return c, short("existing fingerprint")
		}
		c.Outcome.ExistingFingerprint = hex.EncodeToString(fp[:])
	case search.OutcomeApplyFailed:
		k, ok := r.u8()
		if !ok {
			return c, short("apply failure")
		}
		kind, ok := fromTag(failureTags, k)
		if !ok {
			return c, formatErr(ErrCodeBadRecord, "apply failure tag %d", k)
		}
		c.Outcome.Kind = kind
	}
	return c, nil
}

func parseTermination(r *reader) (Record, *FormatError) {
	tag, ok := r.u8()
	if !ok {
		return Record{}, short("termination tag")
	}
	kind, ok := fromTag(terminationTags, tag)
	if !ok {
		return Record{}, formatErr(ErrCodeBadRecord, "termination tag %d", tag)
	}
	term := search.Terminate(kind)
	switch kind {
	case search.TermGoalReached:
		id, ok := r.u64()
		if !ok {
			return Record{}, short("goal node")
		}
		term = search.GoalReached(id)
	case search.TermScorerContractViolation:
		expected, ok1 := r.u64()
		actual, ok2 := r.u64()
		if !ok1 || !ok2 {
			return Record{}, short("scorer arity")
		}
		term = search.ScorerViolation(expected, actual)
	case search.TermInternalPanic, search.TermFrontierInvariantViolation:
		s, ok := r.u8()
		if !ok {
			return Record{}, short("stage")
		}
		stage, ok := fromTag(stageTags, s)
		if !ok {
			return Record{}, formatErr(ErrCodeBadRecord, "stage tag %d", s)
		}
		term.Stage = stage
	}
	highWater, ok := r.u64()
	if !ok {
		return Record{}, short("frontier high water")
	}
	return Record{Type: RecordTermination, Termination: &term, HighWater: highWater}, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, true
}

func (r *reader) u8() (uint8, bool) {
	b, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r *reader) u16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return le.Uint16(b), true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return le.Uint32(b), true
}

func (r *reader) u64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return le.Uint64(b), true
}

func (r *reader) hash() ([32]byte, bool) {
	var out [32]byte
	b, ok := r.take(32)
	if !ok {
		return out, false
	}
	copy(out[:], b)
	return out, true
}
