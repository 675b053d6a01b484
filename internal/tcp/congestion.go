package tcp

// onNewAck applies RFC 5681's window-growth rules for newAcked bytes
// just freed from the send buffer: slow start below ssthresh
// (cwnd += min(N, SMSS) per ACK), congestion avoidance at or above it
// (cwnd += ceil(SMSS*SMSS/cwnd) on every ACK; no acked-byte counter is
// kept). Disabled
// entirely when tcp_disable_cc is set, per spec.md §6. If this ACK is
// the cumulative ACK that resolves a fast-retransmit episode, cwnd
// deflates to ssthresh instead of growing, per spec.md §8 Scenario C.
func (s *Socket) onNewAck(newAcked uint32) {
	if s.Snd.Recovering {
		s.Snd.Recovering = false
		s.Snd.CWnd = s.Snd.SSThresh
		return
	}
	if s.disableCC {
		return
	}
	smss := uint32(s.MSS)
	if s.Snd.CWnd < s.Snd.SSThresh {
		grow := newAcked
		if grow > smss {
			grow = smss
		}
		s.Snd.CWnd += grow
		return
	}
	// Congestion avoidance: accumulate acked bytes in ackCount-style
	// fashion by growing proportionally to what a counter-based
	// approximation would yield over many ACKs; with byte counting
	// this reduces to the standard cwnd += SMSS*SMSS/cwnd approximation.
	s.Snd.CWnd += (smss*smss + s.Snd.CWnd - 1) / s.Snd.CWnd
}

// onTripleDupAck applies RFC 5681's fast retransmit entry point: halve
// the effective window into ssthresh, inflate cwnd by 3 segments, one
// for each of the three segments that triggered the duplicate ACKs,
// per spec.md §4.8.
func (s *Socket) onTripleDupAck(flightSize uint32) {
	smss := uint32(s.MSS)
	half := flightSize / 2
	if half < 2*smss {
		half = 2 * smss
	}
	s.Snd.SSThresh = half
	s.Snd.CWnd = s.Snd.SSThresh + 3*smss
	s.Snd.Recovering = true
}

// onRtxTimeout resets the congestion state the way a retransmission
// timeout does: drop cwnd to the initial window (initialWindowSegs
// segments), halve (or floor) ssthresh, per
// spec.md §4.8's rtx-expiry clause.
func (s *Socket) onRtxTimeout(flightSize uint32) {
	smss := uint32(s.MSS)
	half := flightSize / 2
	if half < 2*smss {
		half = 2 * smss
	}
	s.Snd.SSThresh = half
	s.Snd.CWnd = uint32(initialWindowSegs) * smss
	s.Snd.Recovering = false // a timeout's own reset supersedes a pending fast-recovery deflate
}

// sampleRTT folds one round-trip-time sample (in ms) into SRTT/RTTVAR
// per RFC 6298, storing both as 8x fixed point, and derives RTO,
// clamped to [rtoInit, rtoMax].
func (s *Socket) sampleRTT(rMs uint32) {
	if s.Snd.SRTT8 == 0 {
		s.Snd.SRTT8 = 8 * rMs
		s.Snd.RTTVar8 = s.Snd.SRTT8 / 2
	} else {
		delta := int32(8*rMs) - int32(s.Snd.SRTT8)
		s.Snd.SRTT8 = uint32(int32(s.Snd.SRTT8) + delta/8)
		absDelta := delta
		if absDelta < 0 {
			absDelta = -absDelta
		}
		s.Snd.RTTVar8 = uint32(int32(s.Snd.RTTVar8) + (absDelta/4 - int32(s.Snd.RTTVar8)/4))
	}

	varTerm := 4 * s.Snd.RTTVar8
	if varTerm < 32 { // 4*max(8, rttvar) in 8x units: floor of 8*4=32
		varTerm = 32
	}
	rto := (s.Snd.SRTT8 + varTerm) / 8
	if rto < rtoInit {
		rto = rtoInit
	}
	if rto > rtoMax {
		rto = rtoMax
	}
	s.Snd.RTO = rto
}

// rtxTimeoutMs returns RTO * 2^backoff, capped at rtoMax, per spec.md
// §4.8's rtx-timer value rule.
func (s *Socket) rtxTimeoutMs() uint32 {
	v := s.Snd.RTO
	for i := 0; i < s.Snd.Backoff && v < rtoMax; i++ {
		v *= 2
	}
	if v > rtoMax {
		v = rtoMax
	}
	return v
}
