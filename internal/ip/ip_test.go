package ip

import (
	"testing"

	"github.com/nanokern/nanokern/kerrno"
)

func TestTxQueueEnqueueDrainIsFIFOPerDestination(t *testing.T) {
	q := NewTxQueue(4)
	if err := q.Enqueue(Packet{DstIP: 1, Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Packet{DstIP: 2, Payload: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Packet{DstIP: 1, Payload: []byte("c")}); err != nil {
		t.Fatal(err)
	}

	drained := q.Drain(1)
	if len(drained) != 2 || string(drained[0].Payload) != "a" || string(drained[1].Payload) != "c" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one packet (dst 2) left queued, got %d", q.Len())
	}
}

func TestTxQueueFullReturnsENOMEM(t *testing.T) {
	q := NewTxQueue(1)
	if err := q.Enqueue(Packet{DstIP: 1}); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(Packet{DstIP: 2})
	if !kerrno.Is(err, kerrno.ENOMEM) {
		t.Fatalf("expected ENOMEM once full, got %v", err)
	}
}

func TestNextHopAndSourceForSingleInterface(t *testing.T) {
	iface := NewIface([6]byte{0, 1, 2, 3, 4, 5}, 0x0A000001, 1500)
	if iface.MTU() != 1500 {
		t.Fatalf("expected MTU 1500, got %d", iface.MTU())
	}
	if NextHop(0x0A000002) != 0x0A000002 {
		t.Fatal("expected flat-domain next hop to equal destination")
	}
	if SourceFor(iface, 0x0A000002) != iface.IP() {
		t.Fatal("expected source address to be the interface's own IP")
	}
}
