package blockdev

import (
	"sync"
	"testing"
	"time"
)

// memDriver is a fake LowLevelDriver backed by an in-memory byte slice,
// used to exercise the HDQ ring, chunking, and cache without real
// hardware. Submit completes asynchronously on a goroutine to model
// IRQ-driven completion, recording the order requests were submitted
// in so FIFO can be checked.
type memDriver struct {
	mu        sync.Mutex
	data      []byte
	chunk     int
	q         *Queue
	submitLog []uint64
}

func newMemDriver(size, chunk int) *memDriver {
	return &memDriver{data: make([]byte, size), chunk: chunk}
}

func (m *memDriver) ChunkSize() int { return m.chunk }

func (m *memDriver) Prepare(req *Request) error { return nil }

func (m *memDriver) Submit(req *Request) error {
	m.mu.Lock()
	m.submitLog = append(m.submitLog, req.FirstBlock)
	off := int(req.FirstBlock) * BlockSize
	n := req.Blocks * BlockSize
	if req.RW == Write {
		copy(m.data[off:off+n], req.Buffer)
	} else {
		copy(req.Buffer, m.data[off:off+n])
	}
	m.mu.Unlock()

	go func() {
		m.q.Complete(nil)
	}()
	return nil
}

func newTestDevice(t *testing.T, ringSize, driverSize, chunk int) (*Device, *memDriver) {
	t.Helper()
	drv := newMemDriver(driverSize, chunk)
	q := NewQueue(ringSize, drv, nil)
	drv.q = q
	dev := NewDevice(q, nil)
	dev.SetRawSize(uint64(driverSize / BlockSize))
	return dev, drv
}

func TestHDQRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t, 4, 64*BlockSize, 8)

	write := make([]byte, 2*BlockSize)
	for i := range write {
		write[i] = byte(i)
	}
	if err := dev.WriteBlocks(0, 5, 2, write); err != nil {
		t.Fatalf("write: %v", err)
	}

	read := make([]byte, 2*BlockSize)
	if err := dev.ReadBlocks(0, 5, 2, read); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range write {
		if read[i] != write[i] {
			t.Fatalf("byte %d: got %d want %d", i, read[i], write[i])
		}
	}
}

func TestHDQFIFOOrdering(t *testing.T) {
	dev, drv := newTestDevice(t, 8, 64*BlockSize, 8)

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, BlockSize)
			_ = dev.ReadBlocks(0, uint64(i), 1, buf)
		}(i)
		// Stagger submission slightly so FIFO order is deterministic
		// to check against submitLog (one queue -> one in-flight at a
		// time, so submission order IS completion order by construction).
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.submitLog) != n {
		t.Fatalf("expected %d submits, got %d", n, len(drv.submitLog))
	}
	for i, block := range drv.submitLog {
		if block != uint64(i) {
			t.Fatalf("submission %d: got block %d, want %d (FIFO violated)", i, block, i)
		}
	}
}

func TestChunking(t *testing.T) {
	dev, drv := newTestDevice(t, 4, 64*BlockSize, 3)

	buf := make([]byte, 10*BlockSize)
	if err := dev.WriteBlocks(0, 0, 10, buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	// 10 blocks split into chunks of <=3: 3,3,3,1 = 4 submissions.
	if len(drv.submitLog) != 4 {
		t.Fatalf("expected 4 chunked submissions, got %d: %v", len(drv.submitLog), drv.submitLog)
	}
}

func TestPartitionBounds(t *testing.T) {
	dev, _ := newTestDevice(t, 4, 64*BlockSize, 8)
	dev.Partitions[1] = Partition{First: 10, Last: 19}

	buf := make([]byte, BlockSize)
	if err := dev.ReadBlocks(1, 0, 1, buf); err != nil {
		t.Fatalf("in-bounds read should succeed: %v", err)
	}
	if err := dev.ReadBlocks(1, 9, 2, buf); err == nil {
		t.Fatal("expected EINVAL reading past partition end")
	}
}

func TestCacheReadModifyWrite(t *testing.T) {
	dev, _ := newTestDevice(t, 4, 8*BlockSize, 8)
	cache := NewCache(dev, 0)

	// Fill block 0 with a known pattern first.
	full := make([]byte, BlockSize)
	for i := range full {
		full[i] = 0xAA
	}
	if err := dev.WriteBlocks(0, 0, 1, full); err != nil {
		t.Fatal(err)
	}

	// Partial write in the middle of the block.
	patch := []byte{1, 2, 3, 4}
	if err := cache.WriteBytes(10, len(patch), patch); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	readBack := make([]byte, BlockSize)
	if err := cache.ReadBytes(0, BlockSize, readBack); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i := 0; i < 10; i++ {
		if readBack[i] != 0xAA {
			t.Fatalf("byte %d clobbered by RMW: got %x", i, readBack[i])
		}
	}
	for i, want := range patch {
		if readBack[10+i] != want {
			t.Fatalf("patched byte %d: got %x want %x", i, readBack[10+i], want)
		}
	}
	for i := 14; i < BlockSize; i++ {
		if readBack[i] != 0xAA {
			t.Fatalf("byte %d clobbered by RMW: got %x", i, readBack[i])
		}
	}
}

func TestHDQDepthInvariant(t *testing.T) {
	dev, _ := newTestDevice(t, 2, 16*BlockSize, 8)
	if dev.Queue.Depth() != 0 {
		t.Fatalf("expected empty queue at start, got depth %d", dev.Queue.Depth())
	}
}
