package lane

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

// poolIncrement and poolInitial set the pool's growth policy: start
// small, grow in fixed-size chunks rounded up to cover whatever write
// overflowed the current mapping.
const (
	poolIncrement = 131072
	poolInitial   = 256
)

// Pool is the lane's attribute pool: a growable mmap'd file storing
// length-prefixed byte blobs (`<u32 length><bytes>`), deduplicated by
// exact match against an in-memory map.
//
// While the pool is open, the backing file is grown ahead of the data
// in growth-increment chunks; logicalLen tracks the real,
// tightly-packed amount of data written, so the pool's logical length
// is never inferred from the file's size.
type Pool struct {
	file       *os.File
	mapping    gommap.MMap
	mappedLen  int64
	logicalLen int64

	dedup map[string]uint64 // token bytes -> pool offset
}

// OpenPool creates (or truncates) file as a fresh attribute pool.
func OpenPool(file *os.File) (*Pool, error) {
	if err := file.Truncate(poolInitial); err != nil {
		return nil, errors.Wrap(err, "lane: truncating attribute pool")
	}
	m, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "lane: mapping attribute pool")
	}
	return &Pool{
		file:      file,
		mapping:   m,
		mappedLen: poolInitial,
		dedup:     make(map[string]uint64),
	}, nil
}

// Close unmaps and closes the pool's backing file. The file is
// truncated down to the pool's logical length first so the on-disk
// size matches what a later reader expects, rather than carrying the
// growth-increment slack forward.
func (p *Pool) Close() error {
	if err := p.mapping.UnsafeUnmap(); err != nil {
		return errors.Wrap(err, "lane: unmapping attribute pool")
	}
	if err := p.file.Truncate(p.logicalLen); err != nil {
		return errors.Wrap(err, "lane: truncating attribute pool to logical length")
	}
	return errors.Wrap(p.file.Close(), "lane: closing attribute pool file")
}

// Add deduplicates token and returns its offset in the pool, writing
// it as a new `<u32 length><bytes>` entry only on first sight.
func (p *Pool) Add(token []byte) (uint64, error) {
	if off, ok := p.dedup[string(token)]; ok {
		return off, nil
	}

	entryLen := int64(4 + len(token))
	if err := p.grow(entryLen); err != nil {
		return 0, err
	}

	off := uint64(p.logicalLen)
	binary.LittleEndian.PutUint32(p.mapping[p.logicalLen:p.logicalLen+4], uint32(len(token)))
	copy(p.mapping[p.logicalLen+4:], token)
	p.logicalLen += entryLen

	p.dedup[string(token)] = off
	return off, nil
}

// grow ensures the mapping can hold `need` more bytes past
// logicalLen, remapping after truncating the file.
func (p *Pool) grow(need int64) error {
	if p.logicalLen+need <= p.mappedLen {
		return nil
	}
	if err := p.mapping.UnsafeUnmap(); err != nil {
		return errors.Wrap(err, "lane: unmapping attribute pool for growth")
	}

	p.mappedLen += (need + poolIncrement - 1) / poolIncrement * poolIncrement
	if err := p.file.Truncate(p.mappedLen); err != nil {
		return errors.Wrap(err, "lane: truncating attribute pool for growth")
	}

	m, err := gommap.Map(p.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "lane: remapping attribute pool after growth")
	}
	p.mapping = m
	return nil
}

// LogicalLen reports the tightly-packed byte count actually written,
// independent of the backing file's truncated (and possibly larger)
// size.
func (p *Pool) LogicalLen() int64 {
	return p.logicalLen
}

// Read decodes the length-prefixed entry at off and returns a copy of
// its bytes. off must be a value previously returned by Add.
func (p *Pool) Read(off uint64) ([]byte, error) {
	if int64(off)+4 > p.logicalLen {
		return nil, errors.Errorf("lane: attribute pool offset %d out of range", off)
	}
	length := binary.LittleEndian.Uint32(p.mapping[off : off+4])
	start := off + 4
	end := start + uint64(length)
	if int64(end) > p.logicalLen {
		return nil, errors.Errorf("lane: attribute pool entry at %d overruns pool", off)
	}
	out := make([]byte, length)
	copy(out, p.mapping[start:end])
	return out, nil
}
