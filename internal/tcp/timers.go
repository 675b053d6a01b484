package tcp

// tickMs is the timer-decrement interval spec.md §4.8 specifies.
const tickMs = 250

// twoMSLTicks is TIME_WAIT's hold duration in ticks.
const twoMSLTicks = (2 * mslMs) / tickMs

// TickResult tells the caller what happened during one Tick: whether a
// send pass is now warranted (a timer armed a force-send or probe) and
// whether the socket was torn down (rtx giveup or TIME_WAIT expiry).
type TickResult struct {
	ShouldSend bool
	Closed     bool  // the socket transitioned to CLOSED this tick
	DropErr    error // set alongside Closed when the close was a failure (rtx giveup), nil for a clean TIME_WAIT expiry
}

// Tick decrements every armed timer by one tick and fires whichever
// expires, per spec.md §4.8. It never calls back into TriggerSend
// itself (Tick already holds s.mu); the caller inspects the returned
// TickResult and calls TriggerSend afterward if ShouldSend is set.
func (s *Socket) Tick(flightSize uint32) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res TickResult

	if s.T.Rtx > 0 {
		s.T.Rtx--
		if s.T.Rtx == 0 {
			if dropErr := s.onRtxExpiry(flightSize); dropErr != nil {
				res.Closed = true
				res.DropErr = dropErr
				return res
			}
			res.ShouldSend = true
		}
	}
	if s.T.Persist > 0 {
		s.T.Persist--
		if s.T.Persist == 0 {
			s.OF_FORCE = true
			res.ShouldSend = true
		}
	}
	if s.T.Delack > 0 {
		s.T.Delack--
		if s.T.Delack == 0 {
			s.sendPureACKPending = true
			res.ShouldSend = true
		}
	}
	if s.T.TimeWaitT > 0 {
		s.T.TimeWaitT--
		if s.T.TimeWaitT == 0 {
			s.St = Closed
			res.Closed = true
		}
	}
	return res
}

// onRtxExpiry applies the rtx-expiry rule, returning a non-nil error
// only when the caller should give up and tear the socket down.
func (s *Socket) onRtxExpiry(flightSize uint32) error {
	peerWindowOpen := s.Snd.WND > 0
	if s.Snd.RtxCount >= maxRtx && peerWindowOpen {
		s.St = Closed
		s.EPipe = true
		return errTimedOut
	}
	s.onRtxTimeout(flightSize)
	s.Snd.NXT = s.Snd.UNA
	s.Snd.Backoff++
	s.Snd.RtxCount++
	s.Snd.TimedValid = false // Karn's rule: a retransmit disables timing until a clean send
	s.T.Rtx = s.rtxTimeoutMs() / tickMs
	return nil
}

// armRtxIfUnset sets the rtx timer to RTO*2^backoff ticks (or the SYN
// timeout for SYN-bearing segments, which share the same formula in
// this simplified model) if it is not already armed, per spec.md
// §4.8's "set whenever a data/SYN/FIN-bearing segment is sent and rtx
// not already set".
func (s *Socket) armRtxIfUnset() {
	if s.T.Rtx == 0 {
		s.T.Rtx = s.rtxTimeoutMs() / tickMs
	}
}

// armPersist sets the persist timer when the peer window is closed and
// data remains pending.
func (s *Socket) armPersist() {
	if s.T.Persist == 0 {
		s.T.Persist = s.rtxTimeoutMs() / tickMs
	}
}

// armDelack sets the delayed-ACK timer when data is accepted into the
// receive buffer.
func (s *Socket) armDelack() {
	if s.T.Delack == 0 {
		s.T.Delack = 1 // a single 250ms tick of delay
	}
}

// enterTimeWait arms the TIME_WAIT timer for 2*MSL ticks.
func (s *Socket) enterTimeWait() {
	s.St = TimeWait
	s.T.TimeWaitT = twoMSLTicks
}
