package tcp

// Connect moves a CLOSED socket into SYN_SENT, consuming its own ISS
// up front (mirroring the SYN_RCVD path's bookkeeping) so the caller
// can fetch the actual wire segment via SynSegment.
func (s *Socket) Connect(foreignIP uint32, foreignPort uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Quad.ForeignIP = foreignIP
	s.Quad.ForeignPort = foreignPort
	s.St = SynSent
	s.Snd.NXT = s.Snd.ISS + 1
	s.Snd.MAX = s.Snd.ISS + 1
}

// SynSegment returns the initial SYN for an active open. Call once,
// immediately after Connect. TriggerSend never builds a SYN, so a lost
// SYN is not retransmitted by this package.
func (s *Socket) SynSegment() OutSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armRtxIfUnset()
	return OutSegment{Seq: s.Snd.ISS, Flags: FlagSYN, Win: s.Rcv.WND}
}

// SynAckSegment returns the SYN|ACK for a freshly spawned SYN_RCVD
// child, to be sent once immediately after HandleSYN creates it.
func (s *Socket) SynAckSegment() OutSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armRtxIfUnset()
	return OutSegment{Seq: s.Snd.ISS, Ack: s.Rcv.NXT, Flags: FlagSYN | FlagACK, Win: s.Rcv.WND}
}
