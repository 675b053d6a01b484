package tcp

// computeWin implements compute_win's silly-window-avoidance rule: the
// advertised receive window only grows, never shrinks below what was
// last advertised, even as the raw free-space number fluctuates — and
// when free space itself drops below one MSS, it is advertised as 0
// rather than as that small nonzero remainder (spec.md Testable
// Property 7's companion SWS rule, distinct from the never-shrink
// clause above).
func computeWin(lastAdvertised, freeSpace uint32, mss uint32) uint32 {
	if freeSpace < mss {
		return 0
	}
	if freeSpace < lastAdvertised {
		return lastAdvertised
	}
	return freeSpace
}

// flightSize returns the number of bytes sent but not yet acked.
func (s *Socket) flightSize() uint32 { return s.Snd.NXT - s.Snd.UNA }

// usableWindow returns min(SND.WND, cwnd) - in-flight, floored at 0;
// with disableCC set, cwnd is ignored and SND.WND alone is the limit.
func (s *Socket) usableWindow() uint32 {
	win := s.Snd.WND
	if !s.disableCC && s.Snd.CWnd < win {
		win = s.Snd.CWnd
	}
	flight := s.flightSize()
	if flight >= win {
		return 0
	}
	return win - flight
}

// OutSegment is one segment trigger_send decided to emit.
type OutSegment struct {
	Seq   uint32
	Ack   uint32
	Flags Flags
	Win   uint32
	Data  []byte
}

// TriggerSend implements spec.md §4.8's output algorithm: iterates
// while bytes remain in the send buffer (or a FIN is owed), deciding
// each iteration whether to send per the five listed conditions, and
// arms the persist timer if the peer window is closed with data
// still pending. now is the current tick, used to stamp the RTT-timed
// segment. A FIN queued by Close is tracked on the socket itself
// (finQueued/finSent), not passed in by the caller.
func (s *Socket) TriggerSend(now uint32) []OutSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutSegment

	if s.forceRetransmitFromUNA {
		s.forceRetransmitFromUNA = false
		savedNXT := s.Snd.NXT
		s.Snd.NXT = s.Snd.UNA
		if seg, ok := s.buildSegment(now); ok {
			out = append(out, seg)
		}
		if seqGT(savedNXT, s.Snd.NXT) {
			s.Snd.NXT = savedNXT
		}
	}

	if s.sendPureACKPending {
		s.sendPureACKPending = false
		out = append(out, s.pureACK())
	}

	sentAny := false
	if s.OF_FORCE && s.Snd.WND == 0 && s.sendBufUnsentLen() > 0 {
		// Persist probe: force exactly one byte past the peer's closed
		// window so a future ACK can reopen it.
		s.OF_FORCE = false
		if seg, ok := s.buildProbeSegment(now); ok {
			out = append(out, seg)
			sentAny = true
		}
	}

	for {
		unsent := s.sendBufUnsentLen()
		finFits := s.finQueued && !s.finSent && unsent == 0

		if unsent == 0 && !finFits && !s.OF_FORCE {
			break
		}

		if finFits {
			out = append(out, s.buildFinSegment())
			s.finSent = true
			sentAny = true
			s.OF_FORCE = false
			break
		}

		usable := s.usableWindow()
		advertisedHalf := s.Rcv.WND / 2

		canSendAllUnacked := s.flightSize() == 0 && unsent <= usable
		canSendHalfWindow := usable >= advertisedHalf && advertisedHalf > 0
		canFillMSS := usable >= uint32(s.MSS) && unsent >= uint32(s.MSS)

		shouldSend := canSendAllUnacked || canSendHalfWindow || canFillMSS || s.OF_FORCE
		if !shouldSend {
			break
		}

		seg, ok := s.buildSegment(now)
		s.OF_FORCE = false
		if !ok {
			break
		}
		out = append(out, seg)
		sentAny = true

		if s.flightSize() == 0 && unsent == 0 {
			break
		}
	}

	if s.Snd.WND == 0 && s.sendBufUnsentLen() > 0 {
		s.armPersist()
	}
	if sentAny {
		s.armRtxIfUnset()
	}
	return out
}

// sendBufUnsentLen returns the number of bytes in SendBuf not yet
// covered by SND.NXT.
func (s *Socket) sendBufUnsentLen() uint32 {
	sentOffset := s.Snd.NXT - s.Snd.ISS - 1 // -1 for the consumed SYN sequence number
	if int(sentOffset) < 0 || int(sentOffset) > len(s.SendBuf) {
		return 0
	}
	return uint32(len(s.SendBuf)) - sentOffset
}

// buildSegment constructs and "sends" the next outbound data segment
// starting at SND.NXT, advancing SND.NXT/SND.MAX and arming the RTT
// timer if nothing is currently being timed (Karn's rule: a segment
// sent without retransmission may start a fresh sample).
func (s *Socket) buildSegment(now uint32) (OutSegment, bool) {
	sentOffset := s.Snd.NXT - s.Snd.ISS - 1
	if int(sentOffset) < 0 || int(sentOffset) > len(s.SendBuf) {
		return OutSegment{}, false
	}
	remaining := uint32(len(s.SendBuf)) - sentOffset
	n := remaining
	if n > uint32(s.MSS) {
		n = uint32(s.MSS)
	}
	usable := s.usableWindow()
	if n > usable {
		n = usable
	}
	if n == 0 && remaining > 0 {
		return OutSegment{}, false
	}

	data := s.SendBuf[sentOffset : sentOffset+n]
	seg := OutSegment{
		Seq:   s.Snd.NXT,
		Ack:   s.Rcv.NXT,
		Flags: FlagACK,
		Win:   s.Rcv.WND,
		Data:  data,
	}

	if !s.Snd.TimedValid && !seqLT(s.Snd.NXT, s.Snd.MAX) {
		s.Snd.TimedValid = true
		s.Snd.TimedSeq = seg.Seq + n
		s.Snd.TimedSince = now
	}

	s.Snd.NXT += n
	if seqGT(s.Snd.NXT, s.Snd.MAX) {
		s.Snd.MAX = s.Snd.NXT
	}
	return seg, true
}

// buildProbeSegment sends exactly one byte starting at SND.NXT,
// ignoring the usable-window computation entirely (the peer's window
// is known to be zero; that is the point of probing it).
func (s *Socket) buildProbeSegment(now uint32) (OutSegment, bool) {
	sentOffset := s.Snd.NXT - s.Snd.ISS - 1
	if int(sentOffset) < 0 || int(sentOffset) >= len(s.SendBuf) {
		return OutSegment{}, false
	}
	data := s.SendBuf[sentOffset : sentOffset+1]
	seg := OutSegment{
		Seq:   s.Snd.NXT,
		Ack:   s.Rcv.NXT,
		Flags: FlagACK,
		Win:   s.Rcv.WND,
		Data:  data,
	}
	if !s.Snd.TimedValid {
		s.Snd.TimedValid = true
		s.Snd.TimedSeq = seg.Seq + 1
		s.Snd.TimedSince = now
	}
	s.Snd.NXT++
	if seqGT(s.Snd.NXT, s.Snd.MAX) {
		s.Snd.MAX = s.Snd.NXT
	}
	return seg, true
}

// buildFinSegment emits the queued FIN, consuming one sequence number
// at the current SND.NXT.
func (s *Socket) buildFinSegment() OutSegment {
	seg := OutSegment{Seq: s.Snd.NXT, Ack: s.Rcv.NXT, Flags: FlagFIN | FlagACK, Win: s.Rcv.WND}
	s.Snd.NXT++
	if seqGT(s.Snd.NXT, s.Snd.MAX) {
		s.Snd.MAX = s.Snd.NXT
	}
	return seg
}

func (s *Socket) pureACK() OutSegment {
	return OutSegment{Seq: s.Snd.NXT, Ack: s.Rcv.NXT, Flags: FlagACK, Win: s.Rcv.WND}
}
