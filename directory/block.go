package directory

import (
	"fmt"
	"strings"
)

// Address is an offset into linear memory. Address 0 is null.
type Address uint32

// Null is never the address of a block
const Null Address = 0

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint32(a))
}

// BlockFlags record what the owner of a block allows the allocator to do with it
type BlockFlags uint32

const (
	// BlockUnique indicates that nothing else references the block, so it can be released
	// immediately when a reallocation supersedes it.
	BlockUnique BlockFlags = 1 << iota
	// BlockAppendable indicates that a sequence ending at the block's used end may grow in place
	// into the block's spare capacity.
	BlockAppendable
)

var blockFlagsMapping = []struct {
	flag BlockFlags
	name string
}{
	{BlockUnique, "BlockUnique"},
	{BlockAppendable, "BlockAppendable"},
}

func (f BlockFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, mapping := range blockFlagsMapping {
		if f&mapping.flag != 0 {
			names = append(names, mapping.name)
			f &^= mapping.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("BlockFlags(%#x)", uint32(f)))
	}

	return strings.Join(names, "|")
}

// Block describes one allocation: [Address, Address+Capacity) is owned by the block,
// and the first Used bytes of it hold live data.
type Block struct {
	Address  Address
	Capacity int
	Used     int
	Flags    BlockFlags
}

// End is the address one past the last byte of capacity
func (b Block) End() Address {
	return b.Address + Address(b.Capacity)
}

// UsedEnd is the address one past the last used byte
func (b Block) UsedEnd() Address {
	return b.Address + Address(b.Used)
}

// Contains reports whether address falls inside the block's capacity
func (b Block) Contains(address Address) bool {
	return address >= b.Address && address < b.End()
}

func (b Block) IsUnique() bool     { return b.Flags&BlockUnique != 0 }
func (b Block) IsAppendable() bool { return b.Flags&BlockAppendable != 0 }
