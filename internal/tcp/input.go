package tcp

// Flags are the TCP control bits this stack inspects.
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagPSH Flags = 1 << 3
	FlagACK Flags = 1 << 4
)

// Segment is a parsed incoming TCP segment (header fields the input
// path needs plus its payload). Checksum verification happens before
// a Segment is constructed.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint32
	Data             []byte
}

func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }

// acceptable implements spec.md §4.8's acceptability check: the
// segment's sequence number must identify at least one byte within
// the receive window, with the documented zero-window special cases.
func acceptable(seg *Segment, rcvNxt, rcvWnd uint32) bool {
	segLen := uint32(len(seg.Data))
	if seg.Flags&FlagFIN != 0 {
		segLen++ // FIN consumes one sequence number
	}

	if segLen == 0 {
		if rcvWnd == 0 {
			return seg.Seq == rcvNxt
		}
		return seqLE(rcvNxt, seg.Seq) && seqLT(seg.Seq, rcvNxt+rcvWnd)
	}

	if rcvWnd == 0 {
		return false
	}
	firstOK := seqLE(rcvNxt, seg.Seq) && seqLT(seg.Seq, rcvNxt+rcvWnd)
	lastOK := seqLE(rcvNxt, seg.Seq+segLen-1) && seqLT(seg.Seq+segLen-1, rcvNxt+rcvWnd)
	return firstOK || lastOK
}

// clipToWindow trims data that falls to the left of RCV.NXT (already
// delivered) and returns the effective sequence number of the first
// still-relevant byte alongside the trimmed data. The right edge is not
// trimmed; a segment that starts past RCV.NXT yields no data (no
// reassembly, per spec.md's "out-of-order segments are discarded").
func clipToWindow(seg *Segment, rcvNxt uint32) (uint32, []byte) {
	if seqLT(seg.Seq, rcvNxt) {
		skip := rcvNxt - seg.Seq
		if skip >= uint32(len(seg.Data)) {
			return rcvNxt, nil
		}
		return rcvNxt, seg.Data[skip:]
	}
	if seg.Seq != rcvNxt {
		return seg.Seq, nil // out of order, no reassembly: drop
	}
	return seg.Seq, seg.Data
}

// processAck implements spec.md §4.8's ACK-processing rules: advances
// SND.UNA on a new ACK, applies congestion-window growth, updates
// SRTT when the timed segment is covered, detects and counts duplicate
// ACKs, and fires fast retransmit on the third.
func (s *Socket) processAck(seg *Segment, now uint32) {
	if seg.Flags&FlagACK == 0 {
		return
	}

	if seqGT(seg.Ack, s.Snd.MAX) {
		// ACK beyond SND.MAX: immediate ACK reply, no state change.
		s.sendPureACKPending = true
		return
	}

	isNew := seqGT(seg.Ack, s.Snd.UNA) && seqLE(seg.Ack, s.Snd.MAX)
	isDup := seg.Ack == s.Snd.UNA &&
		len(seg.Data) == 0 &&
		seg.Flags&(FlagSYN|FlagFIN) == 0 &&
		seg.Window == s.Snd.LastAckedWin &&
		s.Snd.UNA != s.Snd.NXT // data outstanding

	if isNew {
		freed := seg.Ack - s.Snd.UNA
		s.Snd.UNA = seg.Ack
		s.Snd.DupAcks = 0
		s.onNewAck(freed)

		s.Snd.RtxCount = 0
		s.Snd.Backoff = 0
		if s.Snd.UNA == s.Snd.NXT {
			s.T.Rtx = 0
		} else {
			s.T.Rtx = s.rtxTimeoutMs() / tickMs
		}

		if s.Snd.TimedValid && seqGE(seg.Ack, s.Snd.TimedSeq) {
			s.sampleRTT(now - s.Snd.TimedSince)
			s.Snd.TimedValid = false
		}
	} else if isDup {
		s.Snd.DupAcks++
		if s.Snd.DupAcks == 3 {
			flight := s.Snd.NXT - s.Snd.UNA
			s.onTripleDupAck(flight)
			s.forceRetransmitFromUNA = true
		}
	}

	s.Snd.LastAckedWin = seg.Window
	s.Snd.WND = seg.Window
}
