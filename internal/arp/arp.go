// Package arp implements the address resolution cache: a fixed-size
// table of (IPv4, MAC, status, last-request-tick) entries, the
// resolve/request/reply state machine of spec.md §4.7, and the retry
// throttle that bounds one outstanding request per unresolved address.
// Grounded on the teacher's small-cache-with-status-enum idiom
// (queue.go's TagState-tagged slot array), re-keyed from tag index to
// IPv4 address and from {InFlightFetch,Owned,InFlightCommit} to
// {FREE,INCOMPLETE,VALID}.
package arp

import (
	"sync"

	"github.com/nanokern/nanokern/internal/ip"
	"github.com/nanokern/nanokern/kerrno"
)

// Status is an ARP cache entry's resolution state.
type Status int

const (
	Free Status = iota
	Incomplete
	Valid
)

// Entry is one cache slot. Invariant: Free entries have IP == 0.
type Entry struct {
	IP              uint32
	MAC             [6]byte
	Status          Status
	LastRequestTick uint64
}

// Result is resolve()'s outcome, telling the caller (the IP tx work
// queue) what to do next.
type Result int

const (
	// Hit: the MAC was already cached; the caller may send immediately.
	Hit Result = iota
	// None: no entry existed; one was added INCOMPLETE and a request
	// was just broadcast. When the table has no free slot, None is
	// returned with no entry added and no request sent.
	None
	// Incomplete_: an INCOMPLETE entry already exists and a request was
	// sent recently; the caller should wait.
	Incomplete_
	// Trigger: an INCOMPLETE entry exists but its retry delay has
	// elapsed; a request was resent.
	Trigger
)

const defaultDelay = 20 // ticks between request retries for one address

// Requester is the narrow NIC surface ARP needs to broadcast a
// request or send a reply.
type Requester interface {
	MAC() [6]byte
	SendFrame(frame []byte) error
}

// Cache is the fixed-size ARP table plus the broadcast/reply machinery
// hung off one NIC.
type Cache struct {
	mu      sync.Mutex
	entries []Entry
	delay   uint64
	nic     Requester
	ourIP   uint32
	tx      *ip.TxQueue // drained on a cache-filling reply, may be nil
}

// NewCache creates a cache with the given fixed number of slots,
// sitting on top of nic (used for broadcasting requests and sending
// replies) for the interface whose address is ourIP.
func NewCache(size int, nic Requester, ourIP uint32, tx *ip.TxQueue) *Cache {
	return &Cache{
		entries: make([]Entry, size),
		delay:   defaultDelay,
		nic:     nic,
		ourIP:   ourIP,
		tx:      tx,
	}
}

func (c *Cache) findLocked(target uint32) (int, bool) {
	for i := range c.entries {
		if c.entries[i].Status != Free && c.entries[i].IP == target {
			return i, true
		}
	}
	return -1, false
}

func (c *Cache) allocLocked() (int, bool) {
	for i := range c.entries {
		if c.entries[i].Status == Free {
			return i, true
		}
	}
	return -1, false
}

// Resolve implements spec.md §4.7's resolve(nic, ip, out_mac): it
// returns Hit with mac filled, None/Incomplete_/Trigger otherwise. A
// Trigger result, and a None result that added an entry, broadcast
// exactly one ARP request as a side effect; None from a full table and
// Incomplete_ (too soon since the last request) send nothing.
func (c *Cache) Resolve(target uint32, now uint64) (Result, [6]byte) {
	c.mu.Lock()

	if idx, ok := c.findLocked(target); ok {
		e := &c.entries[idx]
		if e.Status == Valid {
			mac := e.MAC
			c.mu.Unlock()
			return Hit, mac
		}
		if now-e.LastRequestTick < c.delay {
			c.mu.Unlock()
			return Incomplete_, [6]byte{}
		}
		e.LastRequestTick = now
		c.mu.Unlock()
		c.sendRequest(target)
		return Trigger, [6]byte{}
	}

	idx, ok := c.allocLocked()
	if !ok {
		c.mu.Unlock()
		return None, [6]byte{}
	}
	c.entries[idx] = Entry{IP: target, Status: Incomplete, LastRequestTick: now}
	c.mu.Unlock()

	c.sendRequest(target)
	return None, [6]byte{}
}

// hw/proto constants per RFC 826/spec.md §4.7.
const (
	hwTypeEthernet = 1
	protoTypeIPv4  = 0x0800
	hwLen          = 6
	protoLen       = 4
	opRequest      = 1
	opReply        = 2
)

// wireFrame is the 28-byte ARP packet body carried inside an Ethernet
// frame's payload.
type wireFrame struct {
	HWType, ProtoType       uint16
	HWLen, ProtoLen         uint8
	Op                      uint16
	SenderMAC               [6]byte
	SenderIP                uint32
	TargetMAC               [6]byte
	TargetIP                uint32
}

// Ethernet framing: a 14-byte header {dst:6, src:6, ethertype:2}
// wraps every ARP payload on the wire, per spec.md §6's "IEEE 802.3
// frames".
const (
	ethHeaderLen = 14
	ethTypeARP   = 0x0806
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func buildEthFrame(dst, src [6]byte, payload []byte) []byte {
	frame := make([]byte, ethHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	putU16(frame[12:14], ethTypeARP)
	copy(frame[ethHeaderLen:], payload)
	return frame
}

func (c *Cache) sendRequest(target uint32) {
	f := wireFrame{
		HWType: hwTypeEthernet, ProtoType: protoTypeIPv4,
		HWLen: hwLen, ProtoLen: protoLen,
		Op:        opRequest,
		SenderMAC: c.nic.MAC(), SenderIP: c.ourIP,
		TargetMAC: [6]byte{}, TargetIP: target,
	}
	_ = c.nic.SendFrame(buildEthFrame(broadcastMAC, c.nic.MAC(), encode(f)))
}

// HandleIncoming processes an incoming Ethernet frame carrying an ARP
// packet (validated per spec.md §4.7: hw_type=1, proto_type=IPv4,
// hw_len=6, proto_len=4), updates or adds the sender's cache entry,
// drains any queued IP packets waiting on that address, and if this
// packet was a REQUEST addressed to our own IP, sends a reply.
func (c *Cache) HandleIncoming(frame []byte) error {
	if len(frame) < ethHeaderLen || getU16(frame[12:14]) != ethTypeARP {
		return kerrno.New("arp.incoming", "arp", kerrno.EINVAL)
	}
	f, ok := decode(frame[ethHeaderLen:])
	if !ok {
		return kerrno.New("arp.incoming", "arp", kerrno.EINVAL)
	}
	if f.HWType != hwTypeEthernet || f.ProtoType != protoTypeIPv4 || f.HWLen != hwLen || f.ProtoLen != protoLen {
		return kerrno.New("arp.incoming", "arp", kerrno.EINVAL)
	}

	c.mu.Lock()
	idx, found := c.findLocked(f.SenderIP)
	if !found {
		var ok bool
		idx, ok = c.allocLocked()
		if !ok {
			c.mu.Unlock()
			return kerrno.New("arp.incoming", "arp", kerrno.ENOMEM)
		}
	}
	c.entries[idx] = Entry{IP: f.SenderIP, MAC: f.SenderMAC, Status: Valid}
	c.mu.Unlock()

	if c.tx != nil {
		for _, pkt := range c.tx.Drain(f.SenderIP) {
			if pkt.OnResolved != nil {
				_ = pkt.OnResolved(f.SenderMAC)
			}
		}
	}

	if f.Op == opRequest && f.TargetIP == c.ourIP {
		reply := wireFrame{
			HWType: hwTypeEthernet, ProtoType: protoTypeIPv4,
			HWLen: hwLen, ProtoLen: protoLen,
			Op:        opReply,
			SenderMAC: c.nic.MAC(), SenderIP: c.ourIP,
			TargetMAC: f.SenderMAC, TargetIP: f.SenderIP,
		}
		return c.nic.SendFrame(buildEthFrame(f.SenderMAC, c.nic.MAC(), encode(reply)))
	}
	return nil
}

// Lookup returns the cached entry for ip without triggering
// resolution, used by tests and diagnostics.
func (c *Cache) Lookup(target uint32) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.findLocked(target)
	if !ok {
		return Entry{}, false
	}
	return c.entries[idx], true
}

const wireSize = 2 + 2 + 1 + 1 + 2 + 6 + 4 + 6 + 4

func encode(f wireFrame) []byte {
	b := make([]byte, wireSize)
	putU16(b[0:], f.HWType)
	putU16(b[2:], f.ProtoType)
	b[4] = f.HWLen
	b[5] = f.ProtoLen
	putU16(b[6:], f.Op)
	copy(b[8:14], f.SenderMAC[:])
	putU32(b[14:], f.SenderIP)
	copy(b[18:24], f.TargetMAC[:])
	putU32(b[24:], f.TargetIP)
	return b
}

func decode(b []byte) (wireFrame, bool) {
	if len(b) < wireSize {
		return wireFrame{}, false
	}
	var f wireFrame
	f.HWType = getU16(b[0:])
	f.ProtoType = getU16(b[2:])
	f.HWLen = b[4]
	f.ProtoLen = b[5]
	f.Op = getU16(b[6:])
	copy(f.SenderMAC[:], b[8:14])
	f.SenderIP = getU32(b[14:])
	copy(f.TargetMAC[:], b[18:24])
	f.TargetIP = getU32(b[24:])
	return f, true
}

func putU16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func getU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
