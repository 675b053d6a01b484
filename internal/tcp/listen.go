package tcp

// Listen transitions a freshly created socket into LISTEN, clearing
// its foreign address to the wildcard so SocketSet.Lookup's longest
// match finds it for any incoming SYN on the local address/port.
func (s *Socket) Listen(backlog int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.St = Listen
	s.Quad.ForeignIP = 0
	s.Quad.ForeignPort = 0
	s.listenBacklog = make([]*Socket, 0, backlog)
}

// HandleSYN implements the LISTEN-state branch of "segment arrives":
// a SYN spawns a new SYN_RCVD child cloned from the listener (parent
// reference held strong, per spec.md §4.8's reference-count rule), and
// the child is queued onto the parent's backlog until accepted. Returns
// nil if the backlog is full or seg carries no SYN.
func (s *Socket) HandleSYN(seg *Segment, foreignIP uint32, iss uint32, now uint32) *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.St != Listen || seg.Flags&FlagSYN == 0 {
		return nil
	}
	if len(s.listenBacklog) >= cap(s.listenBacklog) {
		return nil
	}

	quad := Quadruple{
		LocalIP:     s.Quad.LocalIP,
		LocalPort:   s.Quad.LocalPort,
		ForeignIP:   foreignIP,
		ForeignPort: seg.SrcPort,
	}
	child := NewSocket(quad, iss, s.MSS, s.disableCC)
	child.St = SynRcvd
	child.Rcv.IRS = seg.Seq
	child.Rcv.NXT = seg.Seq + 1
	child.Snd.WND = seg.Window
	child.Snd.LastAckedWin = seg.Window
	child.Snd.NXT = iss + 1 // the SYN about to be sent consumes one sequence number up front
	child.Snd.MAX = iss + 1
	child.parent = s
	s.refLock.Lock()
	s.refCount++
	s.refLock.Unlock()

	s.listenBacklog = append(s.listenBacklog, child)
	return child
}

// Accept pops the oldest fully-established child off the backlog, nil
// if none is ready yet.
func (s *Socket) Accept() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.listenBacklog {
		c.mu.Lock()
		ready := c.St == Established
		c.mu.Unlock()
		if ready {
			s.listenBacklog = append(s.listenBacklog[:i], s.listenBacklog[i+1:]...)
			return c
		}
	}
	return nil
}
