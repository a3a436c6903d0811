// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

// Build constructs one of the four variants and inserts entries into
// it, the factory internal/config's StaticConfig uses to turn a
// decoded table block into a runtime Table without config needing to
// know which concrete variant backs a given Kind. Const is populated
// directly from entries (it has no Insert); the other three are built
// empty and filled one entry at a time, so a bad entry fails the whole
// table rather than leaving a partially built one live.
func Build(kind Kind, entries []Entry) (Table, error) {
	if kind == KindConst {
		return NewConst(entries), nil
	}

	var t Table
	switch kind {
	case KindIPSet:
		t = NewIPSet()
	case KindLPM:
		t = NewLPM()
	case KindIfAddr:
		t = NewIfAddr()
	default:
		return nil, errBadKind{kind}
	}

	for _, e := range entries {
		if err := t.Insert(e.Addr, e.AddrLen, e.Mask); err != nil {
			return nil, err
		}
	}
	return t, nil
}

type errBadKind struct{ kind Kind }

func (e errBadKind) Error() string { return "table: unknown kind " + e.kind.String() }
