// Package directory tracks every block an allocator has handed out. Blocks are found by their
// exact base address, or by any address inside them, which is how interior pointers such as
// the start of a sub-slice are resolved to the block that owns them.
package directory

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// Directory is not safe for concurrent use.
type Directory struct {
	blocks *swiss.Map[Address, Block]
	// bases is every key of blocks, ascending
	bases []Address
}

func New() *Directory {
	return &Directory{
		blocks: swiss.NewMap[Address, Block](64),
	}
}

// Len is the number of blocks in the directory
func (d *Directory) Len() int {
	return d.blocks.Count()
}

func (d *Directory) checkNeighbors(index int, block Block) error {
	if index > 0 {
		prev, _ := d.blocks.Get(d.bases[index-1])
		if prev.End() > block.Address {
			return errors.Errorf("block %s with capacity %d overlaps block %s with capacity %d", block.Address, block.Capacity, prev.Address, prev.Capacity)
		}
	}

	if index < len(d.bases) && d.bases[index] != block.Address {
		next, _ := d.blocks.Get(d.bases[index])
		if block.End() > next.Address {
			return errors.Errorf("block %s with capacity %d overlaps block %s with capacity %d", block.Address, block.Capacity, next.Address, next.Capacity)
		}
	} else if index+1 < len(d.bases) {
		next, _ := d.blocks.Get(d.bases[index+1])
		if block.End() > next.Address {
			return errors.Errorf("block %s with capacity %d overlaps block %s with capacity %d", block.Address, block.Capacity, next.Address, next.Capacity)
		}
	}

	return nil
}

func validateBlock(block Block) error {
	if block.Address == Null {
		return errors.New("blocks cannot be placed at the null address")
	}
	if block.Capacity < 1 {
		return errors.Errorf("block %s has invalid capacity %d", block.Address, block.Capacity)
	}
	if uint64(block.Address)+uint64(block.Capacity) >= 1<<32 {
		return errors.Errorf("block %s with capacity %d extends past the address space", block.Address, block.Capacity)
	}
	if block.Used < 0 || block.Used > block.Capacity {
		return errors.Errorf("block %s has %d used bytes, outside of its capacity %d", block.Address, block.Used, block.Capacity)
	}
	return nil
}

// Insert adds a new block. It is an error for the block to overlap one already present.
func (d *Directory) Insert(block Block) error {
	err := validateBlock(block)
	if err != nil {
		return err
	}

	index, found := slices.BinarySearch(d.bases, block.Address)
	if found {
		return errors.Errorf("a block at %s is already present", block.Address)
	}

	err = d.checkNeighbors(index, block)
	if err != nil {
		return err
	}

	d.bases = slices.Insert(d.bases, index, block.Address)
	d.blocks.Put(block.Address, block)
	return nil
}

// Update replaces the block at block.Address, which must be present
func (d *Directory) Update(block Block) error {
	err := validateBlock(block)
	if err != nil {
		return err
	}

	index, found := slices.BinarySearch(d.bases, block.Address)
	if !found {
		return errors.Errorf("no block at %s to update", block.Address)
	}

	err = d.checkNeighbors(index, block)
	if err != nil {
		return err
	}

	d.blocks.Put(block.Address, block)
	return nil
}

// Remove deletes the block at address, returning it
func (d *Directory) Remove(address Address) (Block, bool) {
	block, ok := d.blocks.Get(address)
	if !ok {
		return Block{}, false
	}

	index, _ := slices.BinarySearch(d.bases, address)
	d.bases = slices.Delete(d.bases, index, index+1)
	d.blocks.Delete(address)
	return block, true
}

// Lookup finds the block whose base is exactly address
func (d *Directory) Lookup(address Address) (Block, bool) {
	return d.blocks.Get(address)
}

// Containing finds the block whose capacity covers address
func (d *Directory) Containing(address Address) (Block, bool) {
	if address == Null {
		return Block{}, false
	}

	if block, ok := d.blocks.Get(address); ok {
		return block, true
	}

	index, _ := slices.BinarySearch(d.bases, address)
	if index == 0 {
		return Block{}, false
	}

	block, _ := d.blocks.Get(d.bases[index-1])
	if !block.Contains(address) {
		return Block{}, false
	}

	return block, true
}

// Each calls visit with every block in ascending address order, until visit returns false
func (d *Directory) Each(visit func(block Block) bool) {
	for _, address := range d.bases {
		block, _ := d.blocks.Get(address)
		if !visit(block) {
			return
		}
	}
}

// Clear removes every block
func (d *Directory) Clear() {
	d.blocks.Clear()
	d.bases = d.bases[:0]
}

// Validate checks that the two indices agree and that no blocks overlap
func (d *Directory) Validate() error {
	if len(d.bases) != d.blocks.Count() {
		return errors.Errorf("the directory's range index has %d entries but its exact index has %d", len(d.bases), d.blocks.Count())
	}

	var prevEnd uint64
	for i, address := range d.bases {
		block, ok := d.blocks.Get(address)
		if !ok {
			return errors.Errorf("address %s is in the range index but not the exact index", address)
		}
		if block.Address != address {
			return errors.Errorf("block %s is indexed under %s", block.Address, address)
		}

		err := validateBlock(block)
		if err != nil {
			return err
		}

		if i > 0 && uint64(address) < prevEnd {
			return errors.Errorf("block %s overlaps the block before it, which ends at %#x", address, prevEnd)
		}
		prevEnd = uint64(address) + uint64(block.Capacity)
	}

	return nil
}
