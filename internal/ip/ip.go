// Package ip is the thin IP glue between ARP/Ethernet and TCP: MTU
// lookup, next-hop/source address selection, and a transmit work
// queue that ARP's resolver and TCP's output path both enqueue onto.
// No routing table, no fragmentation/reassembly — interface-only per
// the networking stack's scope. Grounded on the teacher's Runner,
// generalized from "one io_uring queue draining fixed-size
// descriptors" to "one FIFO of pending IP datagrams draining through a
// NIC".
package ip

import (
	"sync"

	"github.com/nanokern/nanokern/kerrno"
)

// NIC is the interface ARP, IP, and TCP share for the one loopback or
// simulated network interface a kernel instance owns.
type NIC interface {
	MAC() [6]byte
	IP() uint32
	MTU() int
	// SendFrame transmits a fully-built Ethernet frame (header + payload).
	SendFrame(frame []byte) error
}

// Packet is one queued outbound IP datagram awaiting either direct
// transmission (destination MAC already known) or ARP resolution.
type Packet struct {
	DstIP   uint32
	Payload []byte // IP header + data, no Ethernet header yet

	// OnResolved is invoked with the resolved destination MAC once the
	// packet is ready to hand to the NIC. Set by whichever caller
	// enqueued the packet (TCP output, ARP's deferred retry).
	OnResolved func(dstMAC [6]byte) error
}

// TxQueue is a bounded FIFO of pending outbound packets. ARP drains
// the packets for an address when an incoming ARP packet fills that
// address's cache entry; on INCOMPLETE/TRIGGER the packet stays queued and the IP tx work queue is expected to
// retry later (spec.md §4.7's "caller resubmits or defers").
type TxQueue struct {
	mu      sync.Mutex
	pending []Packet
	cap     int
}

// NewTxQueue creates a transmit queue with a fixed capacity.
func NewTxQueue(capacity int) *TxQueue {
	return &TxQueue{cap: capacity}
}

// Enqueue appends a packet, returning ENOMEM if the queue is full.
func (q *TxQueue) Enqueue(p Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.cap {
		return kerrno.New("ip.tx_enqueue", "ip", kerrno.ENOMEM)
	}
	q.pending = append(q.pending, p)
	return nil
}

// Len reports the number of packets currently queued.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain removes and returns every packet destined for dstIP, in FIFO
// order, for a caller (ARP) that just resolved that address and wants
// to flush everything waiting on it.
func (q *TxQueue) Drain(dstIP uint32) []Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []Packet
	remaining := q.pending[:0]
	for _, p := range q.pending {
		if p.DstIP == dstIP {
			matched = append(matched, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	q.pending = remaining
	return matched
}

// Iface describes one configured network interface's addressing for
// MTU lookup and source-address selection.
type Iface struct {
	mac [6]byte
	ip  uint32
	mtu int
}

// NewIface creates an interface descriptor.
func NewIface(mac [6]byte, ipAddr uint32, mtu int) *Iface {
	return &Iface{mac: mac, ip: ipAddr, mtu: mtu}
}

func (i *Iface) MAC() [6]byte { return i.mac }
func (i *Iface) IP() uint32   { return i.ip }
func (i *Iface) MTU() int     { return i.mtu }

// NextHop returns the address a packet to dstIP should be ARP-resolved
// against. With no routing table, the next hop is always the
// destination itself (single flat broadcast domain, consistent with
// spec.md's interface-only IP glue and no fragmentation/routing).
func NextHop(dstIP uint32) uint32 { return dstIP }

// SourceFor returns the source address this interface should stamp on
// a packet bound for dstIP. With a single interface and no routing
// table there is only one possible answer, but the signature keeps the
// selection point explicit for when a second interface is added.
func SourceFor(iface *Iface, dstIP uint32) uint32 { return iface.IP() }
