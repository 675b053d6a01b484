package arp

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/nanokern/nanokern/internal/ip"
)

type fakeNIC struct {
	mu   sync.Mutex
	mac  [6]byte
	sent [][]byte
}

func (n *fakeNIC) MAC() [6]byte { return n.mac }
func (n *fakeNIC) SendFrame(frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	n.sent = append(n.sent, cp)
	return nil
}
func (n *fakeNIC) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

const ourIP = 0x0A000001
const peerIP = 0x0A000002

func replyFrameFrom(peerMAC [6]byte, ourMAC [6]byte) []byte {
	f := wireFrame{
		HWType: hwTypeEthernet, ProtoType: protoTypeIPv4,
		HWLen: hwLen, ProtoLen: protoLen,
		Op:        opReply,
		SenderMAC: peerMAC, SenderIP: peerIP,
		TargetMAC: ourMAC, TargetIP: ourIP,
	}
	return buildEthFrame(ourMAC, peerMAC, encode(f))
}

func TestResolveColdCacheAddsIncompleteAndSendsOneRequest(t *testing.T) {
	nic := &fakeNIC{mac: [6]byte{1, 1, 1, 1, 1, 1}}
	c := NewCache(8, nic, ourIP, nil)

	res, _ := c.Resolve(peerIP, 0)
	if res != None {
		t.Fatalf("expected None on cold cache, got %v", res)
	}
	if nic.sentCount() != 1 {
		t.Fatalf("expected exactly one request sent, got %d", nic.sentCount())
	}
	e, ok := c.Lookup(peerIP)
	if !ok || e.Status != Incomplete {
		t.Fatalf("expected an INCOMPLETE entry, got %+v ok=%v", e, ok)
	}
}

func TestResolveThrottlesRetryUntilDelayElapses(t *testing.T) {
	nic := &fakeNIC{mac: [6]byte{1, 1, 1, 1, 1, 1}}
	c := NewCache(8, nic, ourIP, nil)

	c.Resolve(peerIP, 0)
	if nic.sentCount() != 1 {
		t.Fatalf("expected 1 request after first resolve, got %d", nic.sentCount())
	}

	res, _ := c.Resolve(peerIP, 5)
	if res != Incomplete_ {
		t.Fatalf("expected Incomplete_ within the delay window, got %v", res)
	}
	if nic.sentCount() != 1 {
		t.Fatalf("expected no additional request within delay window, got %d", nic.sentCount())
	}

	res, _ = c.Resolve(peerIP, defaultDelay+1)
	if res != Trigger {
		t.Fatalf("expected Trigger once delay elapses, got %v", res)
	}
	if nic.sentCount() != 2 {
		t.Fatalf("expected a resend after delay elapsed, got %d", nic.sentCount())
	}
}

func TestHandleIncomingReplyFillsCacheAndDrainsTxQueue(t *testing.T) {
	nic := &fakeNIC{mac: [6]byte{1, 1, 1, 1, 1, 1}}
	tx := ip.NewTxQueue(4)
	c := NewCache(8, nic, ourIP, tx)

	c.Resolve(peerIP, 0)

	delivered := make(chan [6]byte, 1)
	if err := tx.Enqueue(ip.Packet{
		DstIP:      peerIP,
		OnResolved: func(mac [6]byte) error { delivered <- mac; return nil },
	}); err != nil {
		t.Fatal(err)
	}

	peerMAC := [6]byte{2, 2, 2, 2, 2, 2}
	if err := c.HandleIncoming(replyFrameFrom(peerMAC, nic.MAC())); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	e, ok := c.Lookup(peerIP)
	if !ok || e.Status != Valid || e.MAC != peerMAC {
		t.Fatalf("expected VALID entry with peer MAC, got %+v ok=%v", e, ok)
	}

	select {
	case mac := <-delivered:
		if mac != peerMAC {
			t.Fatalf("drained packet got wrong MAC: %v", mac)
		}
	default:
		t.Fatal("expected the queued packet's OnResolved callback to fire")
	}
	if tx.Len() != 0 {
		t.Fatalf("expected tx queue drained, got %d left", tx.Len())
	}
}

func TestHandleIncomingRequestToUsSendsReply(t *testing.T) {
	nic := &fakeNIC{mac: [6]byte{1, 1, 1, 1, 1, 1}}
	c := NewCache(8, nic, ourIP, nil)

	peerMAC := [6]byte{2, 2, 2, 2, 2, 2}
	req := wireFrame{
		HWType: hwTypeEthernet, ProtoType: protoTypeIPv4,
		HWLen: hwLen, ProtoLen: protoLen,
		Op:        opRequest,
		SenderMAC: peerMAC, SenderIP: peerIP,
		TargetMAC: [6]byte{}, TargetIP: ourIP,
	}
	frame := buildEthFrame(nic.MAC(), peerMAC, encode(req))

	if err := c.HandleIncoming(frame); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}
	if nic.sentCount() != 1 {
		t.Fatalf("expected exactly one reply sent, got %d", nic.sentCount())
	}

	reply, ok := decode(nic.sent[0][ethHeaderLen:])
	if !ok || reply.Op != opReply || reply.TargetIP != peerIP || reply.SenderIP != ourIP {
		t.Fatalf("unexpected reply contents: %+v ok=%v", reply, ok)
	}
	if binary.BigEndian.Uint16(nic.sent[0][12:14]) != ethTypeARP {
		t.Fatal("expected reply's ethertype to be ARP")
	}
}

// TestResolveRaceEmitsExactlyOneRequest is scenario F: on a cold
// cache, two callers simultaneously resolve() the same address;
// exactly one ARP request must be emitted, and once the reply lands
// both observe the same cached MAC.
func TestResolveRaceEmitsExactlyOneRequest(t *testing.T) {
	nic := &fakeNIC{mac: [6]byte{1, 1, 1, 1, 1, 1}}
	c := NewCache(8, nic, ourIP, nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _ := c.Resolve(peerIP, 0)
			results[i] = res
		}(i)
	}
	wg.Wait()

	if nic.sentCount() != 1 {
		t.Fatalf("expected exactly one ARP request across the race, got %d", nic.sentCount())
	}

	oneNone := (results[0] == None && results[1] == Incomplete_) ||
		(results[0] == Incomplete_ && results[1] == None)
	if !oneNone {
		t.Fatalf("expected one None and one Incomplete_/duplicate result, got %v", results)
	}

	peerMAC := [6]byte{3, 3, 3, 3, 3, 3}
	if err := c.HandleIncoming(replyFrameFrom(peerMAC, nic.MAC())); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, mac := c.Resolve(peerIP, 1)
		if res != Hit || mac != peerMAC {
			t.Fatalf("caller %d expected Hit with the resolved MAC, got %v %v", i, res, mac)
		}
	}
}
