package blockdev

import "github.com/nanokern/nanokern/kerrno"

// Cache is the block cache: a thin pass-through today, offering
// byte-range helpers layered on top of the block-granular Device.
// Writes that start or end mid-block first read the affected block
// (read-modify-write).
type Cache struct {
	dev       *Device
	partition int
}

// NewCache wraps a Device/partition pair with byte-range helpers.
func NewCache(dev *Device, partition int) *Cache {
	return &Cache{dev: dev, partition: partition}
}

// ReadBytes reads nbytes at the given byte offset into buf.
func (c *Cache) ReadBytes(offset int64, nbytes int, buf []byte) error {
	if nbytes == 0 {
		return nil
	}
	if len(buf) < nbytes {
		return kerrno.New("cache.read_bytes", "blockdev", kerrno.EINVAL)
	}

	firstBlock := uint64(offset) / BlockSize
	lastByte := offset + int64(nbytes) - 1
	lastBlock := uint64(lastByte) / BlockSize
	nblocks := int(lastBlock-firstBlock) + 1

	scratch := make([]byte, nblocks*BlockSize)
	if err := c.dev.ReadBlocks(c.partition, firstBlock, nblocks, scratch); err != nil {
		return err
	}

	startOff := int(uint64(offset) - firstBlock*BlockSize)
	copy(buf[:nbytes], scratch[startOff:startOff+nbytes])
	return nil
}

// WriteBytes writes nbytes from buf at the given byte offset,
// read-modify-writing any block that is only partially covered.
func (c *Cache) WriteBytes(offset int64, nbytes int, buf []byte) error {
	if nbytes == 0 {
		return nil
	}
	if len(buf) < nbytes {
		return kerrno.New("cache.write_bytes", "blockdev", kerrno.EINVAL)
	}

	firstBlock := uint64(offset) / BlockSize
	lastByte := offset + int64(nbytes) - 1
	lastBlock := uint64(lastByte) / BlockSize
	nblocks := int(lastBlock-firstBlock) + 1

	scratch := make([]byte, nblocks*BlockSize)

	startOff := int(uint64(offset) - firstBlock*BlockSize)
	endOff := startOff + nbytes

	needsHeadRMW := startOff != 0
	needsTailRMW := endOff != nblocks*BlockSize

	if needsHeadRMW || needsTailRMW {
		if err := c.dev.ReadBlocks(c.partition, firstBlock, nblocks, scratch); err != nil {
			return err
		}
	}

	copy(scratch[startOff:endOff], buf[:nbytes])

	if err := c.dev.WriteBlocks(c.partition, firstBlock, nblocks, scratch); err != nil {
		return err
	}
	return nil
}
