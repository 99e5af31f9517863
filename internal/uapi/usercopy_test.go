package uapi

import "testing"

func TestBuildUserCopyPos(t *testing.T) {
	pos := BuildUserCopyPos(0, 0, 0)
	if pos != UBLKSRV_IO_BUF_OFFSET {
		t.Errorf("BuildUserCopyPos(0,0,0) = %#x, want %#x", pos, uint64(UBLKSRV_IO_BUF_OFFSET))
	}

	// Distinct (qid, tag, offset) triples must map to distinct positions.
	seen := map[uint64]string{}
	cases := []struct {
		qid    uint16
		tag    uint16
		offset uint32
	}{
		{0, 0, 0},
		{0, 0, 1},
		{0, 1, 0},
		// tag bit 6 lands on bit 31 of the packed value, the same bit
		// UBLKSRV_IO_BUF_OFFSET occupies: the base must be added, not OR'd,
		// so the carry into bit 32 survives.
		{0, 64, 0},
		{1, 0, 0},
		{1, 1, 512},
		{2, 4095, UBLK_IO_BUF_BITS_MASK},
	}
	for _, c := range cases {
		pos := BuildUserCopyPos(c.qid, c.tag, c.offset)
		if prev, dup := seen[pos]; dup {
			t.Errorf("BuildUserCopyPos(%d,%d,%d) collides with %s at %#x", c.qid, c.tag, c.offset, prev, pos)
		}
		seen[pos] = t.Name()
	}
}

func TestBuildUserCopyPosRejectsOversizeOffset(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for offset beyond UBLK_IO_BUF_BITS")
		}
	}()
	BuildUserCopyPos(0, 0, UBLK_IO_BUF_BITS_MASK+1)
}
