package tcp

// Input implements spec.md §4.8's "segment arrives" procedure for every
// state except LISTEN/CLOSED, which the caller (the demuxer handing a
// segment to SocketSet.Lookup's result) handles separately by spawning
// a new SYN_RCVD child from the backlog. now is the current tick.
func (s *Socket) Input(seg *Segment, now uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.St {
	case SynSent:
		s.inputSynSent(seg, now)
		return
	}

	if seg.Flags&FlagRST != 0 {
		s.abortLocked(errConnReset)
		return
	}

	if !acceptable(seg, s.Rcv.NXT, s.Rcv.WND) {
		s.sendPureACKPending = true
		return
	}

	if seg.Flags&FlagSYN != 0 {
		// A SYN inside an already-synchronized connection is a protocol
		// error; the connection is aborted just as on a reset.
		s.abortLocked(errConnReset)
		return
	}

	s.processAck(seg, now)

	switch s.St {
	case SynRcvd:
		if seg.Flags&FlagACK != 0 && seqGE(seg.Ack, s.Snd.UNA) {
			s.St = Established
		}
	case FinWait1:
		if s.Snd.UNA == s.Snd.NXT {
			s.St = FinWait2
		}
	case Closing:
		if s.Snd.UNA == s.Snd.NXT {
			s.enterTimeWait()
		}
	case LastAck:
		if s.Snd.UNA == s.Snd.NXT {
			s.St = Closed
		}
	}

	if s.St == Closed || s.St == TimeWait {
		return
	}

	_, data := clipToWindow(seg, s.Rcv.NXT)
	if len(data) > 0 {
		s.RecvBuf = append(s.RecvBuf, data...)
		s.Rcv.NXT += uint32(len(data))
		s.armDelack()
	}

	if seg.Flags&FlagFIN != 0 && seg.Seq+uint32(len(seg.Data)) == s.Rcv.NXT {
		s.Rcv.NXT++
		s.EOF = true
		s.sendPureACKPending = true
		switch s.St {
		case Established:
			s.St = CloseWait
		case FinWait1:
			s.St = Closing
		case FinWait2:
			s.enterTimeWait()
		}
	}
}

// inputSynSent handles the SYN_SENT-specific transition: a SYN-ACK
// moves straight to ESTABLISHED, a bare SYN to SYN_RCVD (simultaneous
// open), an RST aborts the socket (CLOSED, EPipe set; the refusal
// error itself is not stored).
func (s *Socket) inputSynSent(seg *Segment, now uint32) {
	if seg.Flags&FlagRST != 0 {
		s.abortLocked(errConnRefused)
		return
	}
	if seg.Flags&FlagACK != 0 {
		if !seqGT(seg.Ack, s.Snd.ISS) || seqGT(seg.Ack, s.Snd.NXT) {
			return // unacceptable ACK, per spec.md: drop (a real stack would RST)
		}
	}
	if seg.Flags&FlagSYN == 0 {
		return
	}

	s.Rcv.IRS = seg.Seq
	s.Rcv.NXT = seg.Seq + 1
	s.Snd.WND = seg.Window
	s.Snd.LastAckedWin = seg.Window

	if seg.Flags&FlagACK != 0 {
		s.Snd.UNA = seg.Ack
		s.St = Established
		s.sendPureACKPending = true
	} else {
		s.St = SynRcvd
	}
}

// abortLocked tears a socket down immediately on RST or a fatal
// protocol error: caller already holds s.mu.
func (s *Socket) abortLocked(err error) {
	s.St = Closed
	s.EPipe = err != nil
	s.T = Timers{}
}

// Close implements spec.md §4.8's close semantics: from a state with a
// live peer, queue a FIN and let trigger_send emit it; otherwise there
// is nothing to say goodbye to and the socket drops immediately.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true

	switch s.St {
	case Established:
		s.St = FinWait1
		s.finQueued = true
	case SynRcvd:
		s.St = FinWait1
		s.finQueued = true
	case CloseWait:
		s.St = LastAck
		s.finQueued = true
	case SynSent, Listen:
		s.St = Closed
	default:
		// Closing, LastAck, FinWait1/2, TimeWait, Closed: already on a
		// close path or gone, nothing further to do.
	}
}

// SetRecvWindow lets the owner of the socket (the layer that knows how
// much application buffer is actually free) update the advertised
// receive window using the SWS-avoiding compute_win rule.
func (s *Socket) SetRecvWindow(freeSpace uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rcv.WND = computeWin(s.Rcv.WND, freeSpace, uint32(s.MSS))
}
