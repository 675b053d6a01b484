package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newEstablishedPair(t *testing.T) (client, server *Socket) {
	t.Helper()
	quadC := Quadruple{LocalIP: 0x0a000001, LocalPort: 5000, ForeignIP: 0x0a000002, ForeignPort: 80}
	client = NewSocket(quadC, 1000, DefaultMSS, false)
	client.Connect(0x0a000002, 80)
	syn := client.SynSegment()

	listenQuad := Quadruple{LocalIP: 0x0a000002, LocalPort: 80}
	listener := NewSocket(listenQuad, 0, DefaultMSS, false)
	listener.Listen(4)

	child := listener.HandleSYN(&Segment{SrcPort: 5000, Seq: syn.Seq, Flags: syn.Flags, Window: 65535}, 0x0a000001, 9000, 0)
	require.NotNil(t, child, "HandleSYN returned nil")
	synAck := child.SynAckSegment()

	client.Input(&Segment{SrcPort: 80, Seq: synAck.Seq, Ack: synAck.Ack, Flags: synAck.Flags, Window: 65535}, 0)
	require.Equal(t, Established, client.St, "client state after SYN-ACK")

	ackSeg := &Segment{SrcPort: 5000, Seq: client.Snd.NXT, Ack: client.Rcv.NXT, Flags: FlagACK, Window: 65535}
	child.Input(ackSeg, 0)
	require.Equal(t, Established, child.St, "server state after final ACK")

	client.TriggerSend(0) // drain the handshake-completing pure ACK queued by inputSynSent
	return client, child
}

func TestThreeWayHandshakeReachesEstablished(t *testing.T) {
	client, server := newEstablishedPair(t)
	require.Equal(t, client.Snd.NXT, client.Snd.UNA, "client has unacked SYN after handshake")
	if server.Rcv.IRS+1 != server.Rcv.NXT {
		t.Fatalf("server RCV.NXT not advanced past client ISN")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	header := make([]byte, 20)
	header[12] = 0x50
	data := []byte("hello world")
	srcIP, dstIP := uint32(0x0a000001), uint32(0x0a000002)

	cks := checksum(srcIP, dstIP, header, data)
	header[16] = byte(cks >> 8)
	header[17] = byte(cks)

	if !verifyChecksum(srcIP, dstIP, header, data, 16) {
		t.Fatalf("verifyChecksum rejected a segment checksummed by checksum()")
	}

	header[0] ^= 0xff
	if verifyChecksum(srcIP, dstIP, header, data, 16) {
		t.Fatalf("verifyChecksum accepted a corrupted header")
	}
}

func TestAcceptableZeroWindowZeroLengthSegment(t *testing.T) {
	if !acceptable(&Segment{Seq: 100}, 100, 0) {
		t.Fatalf("zero-length segment at RCV.NXT with zero window should be acceptable")
	}
	if acceptable(&Segment{Seq: 101}, 100, 0) {
		t.Fatalf("zero-length segment off RCV.NXT with zero window should not be acceptable")
	}
}

func TestAcceptableDataSegmentWithinWindow(t *testing.T) {
	seg := &Segment{Seq: 100, Data: []byte("abc")}
	if !acceptable(seg, 100, 10) {
		t.Fatalf("in-window data segment should be acceptable")
	}
	if acceptable(seg, 200, 10) {
		t.Fatalf("out-of-window data segment should not be acceptable")
	}
}

func TestClipToWindowTrimsLeftOverlap(t *testing.T) {
	seg := &Segment{Seq: 95, Data: []byte("0123456789")}
	seq, data := clipToWindow(seg, 100)
	if seq != 100 {
		t.Fatalf("clipped seq = %d, want 100", seq)
	}
	if string(data) != "56789" {
		t.Fatalf("clipped data = %q, want %q", data, "56789")
	}
}

func TestClipToWindowDropsOutOfOrderSegment(t *testing.T) {
	seg := &Segment{Seq: 110, Data: []byte("xyz")}
	_, data := clipToWindow(seg, 100)
	if data != nil {
		t.Fatalf("out-of-order segment should be dropped, not buffered")
	}
}

func TestComputeWinNeverShrinksBelowLastAdvertised(t *testing.T) {
	require.Equal(t, uint32(5000), computeWin(5000, 4000, DefaultMSS), "should hold at the last advertised value")
	require.Equal(t, uint32(6000), computeWin(5000, 6000, DefaultMSS), "should grow to the new free space")
}

func TestComputeWinFloorsToZeroBelowMSS(t *testing.T) {
	require.Equal(t, uint32(0), computeWin(5000, DefaultMSS-1, DefaultMSS), "free space below one MSS must advertise 0, not a silly small window")
	require.Equal(t, uint32(0), computeWin(0, 1, DefaultMSS), "still floors to 0 even when nothing was previously advertised")
}

func TestProcessAckNewAckAdvancesUNAAndGrowsWindow(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.Snd.NXT = 1000 + 1000
	s.Snd.MAX = s.Snd.NXT
	s.Snd.UNA = 1000

	before := s.Snd.CWnd
	s.processAck(&Segment{Ack: 1500, Window: 65535, Flags: FlagACK}, 10)

	if s.Snd.UNA != 1500 {
		t.Fatalf("SND.UNA = %d, want 1500", s.Snd.UNA)
	}
	if s.Snd.CWnd <= before {
		t.Fatalf("cwnd did not grow on new ACK in slow start")
	}
}

func TestProcessAckBeyondMaxTriggersPureACKNoStateChange(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.Snd.NXT = 1100
	s.Snd.MAX = 1100
	s.Snd.UNA = 1000

	s.processAck(&Segment{Ack: 2000, Window: 65535, Flags: FlagACK}, 10)

	if s.Snd.UNA != 1000 {
		t.Fatalf("SND.UNA changed on an ACK beyond SND.MAX")
	}
	if !s.sendPureACKPending {
		t.Fatalf("expected a pure ACK to be queued for an ACK beyond SND.MAX")
	}
}

// Scenario C: three duplicate ACKs trigger fast retransmit, halving
// the congestion window into ssthresh and forcing a retransmission
// from SND.UNA without waiting for the rtx timer.
func TestFastRetransmitOnThirdDuplicateAck(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.SendBuf = make([]byte, 4*DefaultMSS)
	s.Snd.UNA = s.Snd.ISS + 1
	s.Snd.NXT = s.Snd.UNA + uint32(len(s.SendBuf))
	s.Snd.MAX = s.Snd.NXT
	s.Snd.WND = 65535
	s.Snd.LastAckedWin = 65535

	dupAck := &Segment{Ack: s.Snd.UNA, Window: 65535, Flags: FlagACK}

	s.processAck(dupAck, 0)
	s.processAck(dupAck, 0)
	if s.forceRetransmitFromUNA {
		t.Fatalf("fast retransmit armed before the third duplicate ACK")
	}
	s.processAck(dupAck, 0)

	if !s.forceRetransmitFromUNA {
		t.Fatalf("fast retransmit not armed on third duplicate ACK")
	}
	if s.Snd.DupAcks != 3 {
		t.Fatalf("DupAcks = %d, want 3", s.Snd.DupAcks)
	}
	if s.Snd.SSThresh >= s.Snd.MAX-s.Snd.UNA {
		t.Fatalf("ssthresh not reduced below flight size")
	}

	out := s.TriggerSend(0)
	if len(out) == 0 || out[0].Seq != s.Snd.UNA {
		t.Fatalf("expected retransmission starting at SND.UNA, got %+v", out)
	}

	ssthresh := s.Snd.SSThresh
	require.True(t, s.Snd.CWnd > ssthresh, "cwnd should be inflated above ssthresh during fast recovery")

	cumulativeAck := &Segment{Ack: s.Snd.MAX, Window: 65535, Flags: FlagACK}
	s.processAck(cumulativeAck, 0)
	require.Equal(t, ssthresh, s.Snd.CWnd, "cwnd should deflate to ssthresh on the cumulative ACK ending fast recovery")
	require.False(t, s.Snd.Recovering, "fast recovery should be cleared once the cumulative ACK arrives")
}

// Scenario D: once the peer advertises a zero window, trigger_send
// arms the persist timer instead of stalling forever; on persist
// expiry it forces a single-byte probe past the closed window.
func TestZeroWindowProbeOnPersistExpiry(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.SendBuf = []byte("probe-me")
	s.Snd.UNA = s.Snd.ISS + 1
	s.Snd.NXT = s.Snd.UNA
	s.Snd.MAX = s.Snd.NXT
	s.Snd.WND = 0
	s.Snd.CWnd = DefaultMSS * 2

	out := s.TriggerSend(0)
	if len(out) != 0 {
		t.Fatalf("expected no data sent against a zero window, got %+v", out)
	}
	if s.T.Persist == 0 {
		t.Fatalf("persist timer not armed against a zero window with pending data")
	}

	for s.T.Persist > 1 {
		res := s.Tick(0)
		if res.ShouldSend {
			t.Fatalf("persist fired before its timer reached zero")
		}
	}
	res := s.Tick(0)
	if !res.ShouldSend {
		t.Fatalf("persist expiry did not request a send pass")
	}

	probe := s.TriggerSend(1)
	if len(probe) != 1 || len(probe[0].Data) != 1 {
		t.Fatalf("expected exactly one probe byte, got %+v", probe)
	}
	if probe[0].Seq != s.Snd.UNA {
		t.Fatalf("probe segment sequence = %d, want %d", probe[0].Seq, s.Snd.UNA)
	}
}

func TestSRTTFirstSampleAndSubsequentSmoothing(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.sampleRTT(100)
	if s.Snd.SRTT8 != 800 {
		t.Fatalf("first SRTT8 sample = %d, want 800", s.Snd.SRTT8)
	}
	firstRTO := s.Snd.RTO
	s.sampleRTT(100)
	if s.Snd.RTO < rtoInit {
		t.Fatalf("RTO fell below RTO_INIT after smoothing: %d", s.Snd.RTO)
	}
	_ = firstRTO
}

func TestRtxTimeoutMsCapsAtRtoMax(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.Snd.RTO = rtoInit
	s.Snd.Backoff = 20
	if got := s.rtxTimeoutMs(); got != rtoMax {
		t.Fatalf("rtxTimeoutMs() = %d, want cap %d", got, rtoMax)
	}
}

func TestRtxExpiryGivesUpAfterMaxRtxWithOpenWindow(t *testing.T) {
	s := NewSocket(Quadruple{}, 1000, DefaultMSS, false)
	s.Snd.WND = 65535
	s.Snd.RtxCount = maxRtx
	s.T.Rtx = 1

	res := s.Tick(100)
	if !res.Closed || res.DropErr == nil {
		t.Fatalf("expected the socket to give up after exceeding MAX_RTX, got %+v", res)
	}
	if s.St != Closed {
		t.Fatalf("socket state = %v, want CLOSED after rtx giveup", s.St)
	}
}

func TestCloseFromEstablishedMovesToFinWait1(t *testing.T) {
	_, server := newEstablishedPair(t)
	server.Close()
	if server.St != FinWait1 {
		t.Fatalf("state after Close() = %v, want FIN_WAIT_1", server.St)
	}
}

func TestFinHandshakeReachesTimeWait(t *testing.T) {
	client, server := newEstablishedPair(t)

	client.Close()
	if client.St != FinWait1 {
		t.Fatalf("client state after Close = %v, want FIN_WAIT_1", client.St)
	}

	finOut := client.TriggerSend(0)
	if len(finOut) != 1 || finOut[0].Flags&FlagFIN == 0 {
		t.Fatalf("expected trigger_send to emit exactly one FIN segment, got %+v", finOut)
	}
	fin := finOut[0]

	server.Input(&Segment{Seq: fin.Seq, Ack: fin.Ack, Flags: fin.Flags, Window: 65535}, 0)
	if server.St != CloseWait {
		t.Fatalf("server state after receiving FIN = %v, want CLOSE_WAIT", server.St)
	}

	ackOut := server.TriggerSend(0)
	if len(ackOut) != 1 || ackOut[0].Flags&FlagACK == 0 {
		t.Fatalf("expected trigger_send to emit an ACK of the FIN, got %+v", ackOut)
	}
	ack := ackOut[0]

	client.Input(&Segment{Seq: ack.Seq, Ack: ack.Ack, Flags: ack.Flags, Window: 65535}, 0)
	if client.St != FinWait2 {
		t.Fatalf("client state after FIN acked = %v, want FIN_WAIT_2", client.St)
	}

	server.Close()
	if server.St != LastAck {
		t.Fatalf("server state after application close in CLOSE_WAIT = %v, want LAST_ACK", server.St)
	}

	lastAckOut := server.TriggerSend(0)
	if len(lastAckOut) != 1 || lastAckOut[0].Flags&FlagFIN == 0 {
		t.Fatalf("expected trigger_send to emit the server's own FIN, got %+v", lastAckOut)
	}
	serverFin := lastAckOut[0]

	client.Input(&Segment{Seq: serverFin.Seq, Ack: serverFin.Ack, Flags: serverFin.Flags, Window: 65535}, 0)
	if client.St != TimeWait {
		t.Fatalf("client state after server's FIN = %v, want TIME_WAIT", client.St)
	}

	finalAckOut := client.TriggerSend(0)
	if len(finalAckOut) != 1 {
		t.Fatalf("expected exactly one final ACK, got %+v", finalAckOut)
	}
	finalAck := finalAckOut[0]

	server.Input(&Segment{Seq: finalAck.Seq, Ack: finalAck.Ack, Flags: finalAck.Flags, Window: 65535}, 0)
	if server.St != Closed {
		t.Fatalf("server state after final ACK = %v, want CLOSED", server.St)
	}
}

func TestRefCountReleaseCascadesToParent(t *testing.T) {
	listener := NewSocket(Quadruple{LocalIP: 1, LocalPort: 80}, 0, DefaultMSS, false)
	listener.Listen(1)
	child := listener.HandleSYN(&Segment{SrcPort: 1234, Seq: 500, Flags: FlagSYN, Window: 65535}, 2, 9000, 0)
	if child == nil {
		t.Fatalf("HandleSYN returned nil")
	}

	if listener.refCount != 2 {
		t.Fatalf("listener refCount = %d, want 2 after spawning one child", listener.refCount)
	}
	child.Release()
	if listener.refCount != 1 {
		t.Fatalf("listener refCount = %d, want 1 after the child released", listener.refCount)
	}
}

func TestSequenceWraparoundComparisons(t *testing.T) {
	a := uint32(0xfffffff0)
	b := uint32(0x00000010)
	if !seqLT(a, b) {
		t.Fatalf("seqLT should treat b as after a across wraparound")
	}
	if !seqGT(b, a) {
		t.Fatalf("seqGT should treat b as after a across wraparound")
	}
}
