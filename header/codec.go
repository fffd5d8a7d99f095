package header

import (
	"fmt"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/setview_errors"
)

// The header serialises as a tagged tuple: an S record carrying the group
// signature followed by an H record carrying the header fields.
//
//	S(signature)
//	H( N(num_partitions)? A(mask) P(mask) C(mask)
//	   Q( E(id,seq)* ) U( E(id,seq)* )
//	   R(replicas_on_transfer)?            // present iff has_replica
//	   X( A(list) P(list) C(list) )?       // pending transition
//	   I(id_btree_state)
//	   V( B(btree_state) Q(...) U(...) )*  // one per view
//	)

func encodeSeqs(lit byte, seqs partition.Seqs) []byte {
	body := make([]byte, 0, 8*len(seqs))
	for _, id := range seqs.SortedIDs() {
		body = append(body, toytlv.Record('E', ZipUint64Pair(uint64(id), seqs[id]))...)
	}
	return toytlv.Record(lit, body)
}

func decodeSeqs(body []byte) (partition.Seqs, error) {
	seqs := make(partition.Seqs)
	rest := body
	for len(rest) > 0 {
		var pair []byte
		pair, rest = toytlv.Take('E', rest)
		if pair == nil {
			return nil, setview_errors.ErrBadHeaderRecord
		}
		id, seq := UnzipUint64Pair(pair)
		if id > 0xffff {
			return nil, setview_errors.ErrBadHeaderRecord
		}
		seqs[partition.ID(id)] = seq
	}
	return seqs, nil
}

func encodeMask(lit byte, m partition.Bitmask) ([]byte, error) {
	raw, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	return toytlv.Record(lit, raw), nil
}

func encodeIDList(lit byte, ids []partition.ID) ([]byte, error) {
	return encodeMask(lit, partition.BitmaskOf(ids...))
}

func decodeMask(lit byte, data []byte) (m partition.Bitmask, rest []byte, err error) {
	body, rest := toytlv.Take(lit, data)
	if body == nil {
		return partition.Bitmask{}, nil, setview_errors.ErrBadHeaderRecord
	}
	m, err = partition.BitmaskFromBytes(body)
	return m, rest, err
}

// Encode serialises the (signature, header) tuple.
func Encode(sig Signature, h *Header) ([]byte, error) {
	body := make([]byte, 0, 512)
	if h.Defined {
		body = append(body, toytlv.Record('N', ZipUint64(uint64(h.NumPartitions)))...)
	}
	for _, m := range []struct {
		lit byte
		bm  partition.Bitmask
	}{{'A', h.Abitmask}, {'P', h.Pbitmask}, {'C', h.Cbitmask}} {
		rec, err := encodeMask(m.lit, m.bm)
		if err != nil {
			return nil, err
		}
		body = append(body, rec...)
	}
	body = append(body, encodeSeqs('Q', h.Seqs)...)
	body = append(body, encodeSeqs('U', h.PurgeSeqs)...)
	if h.HasReplica {
		rec, err := encodeMask('R', h.ReplicasOnTransfer)
		if err != nil {
			return nil, err
		}
		body = append(body, rec...)
	}
	if !h.PendingTransition.IsEmpty() {
		t := h.PendingTransition
		a, err := encodeIDList('A', t.Active)
		if err != nil {
			return nil, err
		}
		p, err := encodeIDList('P', t.Passive)
		if err != nil {
			return nil, err
		}
		c, err := encodeIDList('C', t.Cleanup)
		if err != nil {
			return nil, err
		}
		body = append(body, toytlv.Record('X', a, p, c)...)
	}
	body = append(body, toytlv.Record('I', h.IDBtreeState)...)
	for _, v := range h.ViewStates {
		body = append(body, toytlv.Record('V',
			toytlv.Record('B', v.BtreeState),
			encodeSeqs('Q', v.Seqs),
			encodeSeqs('U', v.PurgeSeqs),
		)...)
	}
	return toytlv.Concat(
		toytlv.Record('S', ZipUint64(uint64(sig))),
		toytlv.Record('H', body),
	), nil
}

// Decode parses a serialised (signature, header) tuple.
func Decode(data []byte) (Signature, *Header, error) {
	sigBody, rest := toytlv.Take('S', data)
	if sigBody == nil {
		return 0, nil, setview_errors.ErrBadHeaderRecord
	}
	sig := Signature(UnzipUint64(sigBody))
	hdrBody, _ := toytlv.Take('H', rest)
	if hdrBody == nil {
		return 0, nil, setview_errors.ErrBadHeaderRecord
	}

	h := NewHeader()
	rest = hdrBody
	if n, r := toytlv.Take('N', rest); n != nil {
		h.Defined = true
		h.NumPartitions = int(UnzipUint64(n))
		rest = r
	}
	var err error
	if h.Abitmask, rest, err = decodeMask('A', rest); err != nil {
		return 0, nil, err
	}
	if h.Pbitmask, rest, err = decodeMask('P', rest); err != nil {
		return 0, nil, err
	}
	if h.Cbitmask, rest, err = decodeMask('C', rest); err != nil {
		return 0, nil, err
	}
	seqsBody, rest := toytlv.Take('Q', rest)
	if seqsBody == nil {
		return 0, nil, setview_errors.ErrBadHeaderRecord
	}
	if h.Seqs, err = decodeSeqs(seqsBody); err != nil {
		return 0, nil, err
	}
	purgeBody, rest := toytlv.Take('U', rest)
	if purgeBody == nil {
		return 0, nil, setview_errors.ErrBadHeaderRecord
	}
	if h.PurgeSeqs, err = decodeSeqs(purgeBody); err != nil {
		return 0, nil, err
	}
	if rot, r := toytlv.Take('R', rest); rot != nil {
		h.HasReplica = true
		if h.ReplicasOnTransfer, err = partition.BitmaskFromBytes(rot); err != nil {
			return 0, nil, err
		}
		rest = r
	}
	if pend, r := toytlv.Take('X', rest); pend != nil {
		t := &partition.Transition{}
		var am, pm, cm partition.Bitmask
		if am, pend, err = decodeMask('A', pend); err != nil {
			return 0, nil, err
		}
		if pm, pend, err = decodeMask('P', pend); err != nil {
			return 0, nil, err
		}
		if cm, _, err = decodeMask('C', pend); err != nil {
			return 0, nil, err
		}
		t.Active, t.Passive, t.Cleanup = am.Slice(), pm.Slice(), cm.Slice()
		h.PendingTransition = t
		rest = r
	}
	idState, rest := toytlv.Take('I', rest)
	if idState == nil {
		return 0, nil, setview_errors.ErrBadHeaderRecord
	}
	h.IDBtreeState = append([]byte(nil), idState...)
	for len(rest) > 0 {
		var vbody []byte
		vbody, rest = toytlv.Take('V', rest)
		if vbody == nil {
			return 0, nil, fmt.Errorf("%w: trailing garbage after view states",
				setview_errors.ErrBadHeaderRecord)
		}
		var vs ViewState
		state, vrest := toytlv.Take('B', vbody)
		if state == nil {
			return 0, nil, setview_errors.ErrBadHeaderRecord
		}
		vs.BtreeState = append([]byte(nil), state...)
		vseqs, vrest := toytlv.Take('Q', vrest)
		if vseqs == nil {
			return 0, nil, setview_errors.ErrBadHeaderRecord
		}
		if vs.Seqs, err = decodeSeqs(vseqs); err != nil {
			return 0, nil, err
		}
		vpurge, _ := toytlv.Take('U', vrest)
		if vpurge == nil {
			return 0, nil, setview_errors.ErrBadHeaderRecord
		}
		if vs.PurgeSeqs, err = decodeSeqs(vpurge); err != nil {
			return 0, nil, err
		}
		h.ViewStates = append(h.ViewStates, vs)
	}
	return sig, h, nil
}
