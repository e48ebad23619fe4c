package sources

import (
	"sort"
)

// tsInspector keeps passive per-PID statistics on an MPEG-TS stream:
// packet counts, continuity-counter errors and PCR presence. It never
// rejects data; malformed packets are counted and skipped.
type tsInspector struct {
	partial    []byte
	packets    int
	syncErrors int
	pids       map[uint16]*tsPIDStats
}

type tsPIDStats struct {
	Packets        int
	PayloadPackets int
	PUSI           int
	ccSeen         bool
	lastCC         byte
	CCErrors       int
	CCDup          int
	Discontinuity  int
	PCRCount       int
}

func newTSInspector() *tsInspector {
	return &tsInspector{pids: make(map[uint16]*tsPIDStats)}
}

// Observe consumes a chunk of the stream; packets may straddle chunks.
func (t *tsInspector) Observe(p []byte) {
	data := p
	if len(t.partial) > 0 {
		data = append(t.partial, p...)
	}
	for len(data) >= MPEGTSPacketSize {
		if data[0] != 0x47 {
			// Lost sync; hunt for the next sync byte.
			t.syncErrors++
			i := 1
			for i < len(data) && data[i] != 0x47 {
				i++
			}
			data = data[i:]
			continue
		}
		t.observePacket(data[:MPEGTSPacketSize])
		data = data[MPEGTSPacketSize:]
	}
	t.partial = append([]byte(nil), data...)
}

func (t *tsInspector) observePacket(pkt []byte) {
	t.packets++
	pid := uint16(pkt[1]&0x1f)<<8 | uint16(pkt[2])
	st := t.pids[pid]
	if st == nil {
		st = &tsPIDStats{}
		t.pids[pid] = st
	}
	st.Packets++

	pusi := pkt[1]&0x40 != 0
	if pusi {
		st.PUSI++
	}
	afc := (pkt[3] >> 4) & 0x03
	hasPayload := afc == 1 || afc == 3
	hasAF := afc == 2 || afc == 3
	cc := pkt[3] & 0x0f

	discontinuity := false
	if hasAF && len(pkt) > 5 && pkt[4] > 0 {
		flags := pkt[5]
		if flags&0x80 != 0 {
			discontinuity = true
			st.Discontinuity++
		}
		if flags&0x10 != 0 && pkt[4] >= 7 {
			st.PCRCount++
		}
	}

	if hasPayload {
		st.PayloadPackets++
		if st.ccSeen {
			expected := (st.lastCC + 1) & 0x0f
			switch {
			case cc == expected:
			case cc == st.lastCC:
				st.CCDup++
			case !discontinuity:
				st.CCErrors++
			}
		}
		st.ccSeen = true
		st.lastCC = cc
	} else if st.ccSeen && cc != st.lastCC && pid != 0x1fff {
		// CC must not increment on adaptation-only packets.
		st.CCErrors++
	}
}

// Stats renders the counters for the status output, PIDs in ascending
// order.
func (t *tsInspector) Stats() map[string]any {
	pids := make([]uint16, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	perPID := make([]map[string]any, 0, len(pids))
	for _, pid := range pids {
		st := t.pids[pid]
		perPID = append(perPID, map[string]any{
			"pid":             int(pid),
			"packets":         st.Packets,
			"payload_packets": st.PayloadPackets,
			"pusi":            st.PUSI,
			"cc_errors":       st.CCErrors,
			"cc_dup":          st.CCDup,
			"discontinuities": st.Discontinuity,
			"pcr_count":       st.PCRCount,
		})
	}
	return map[string]any{
		"packets":     t.packets,
		"sync_errors": t.syncErrors,
		"pids":        perPID,
	}
}
