package alloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/substrate/directory"
	"github.com/vkngwrapper/substrate/memutils"
)

// Statistics summarizes the allocator's blocks on top of the statistics of its heap
type Statistics struct {
	Heap memutils.DetailedStatistics

	BlockCount      int
	CapacityBytes   int
	UsedBytes       int
	UniqueCount     int
	AppendableCount int
	// LingeringCount is the number of non-unique blocks kept live after a relocation
	// superseded them, and LingeringBytes their total capacity
	LingeringCount int
	LingeringBytes int
}

func (a *Allocator) calculateStatistics(stats *Statistics) {
	stats.Heap.Clear()
	a.heap.AddDetailedStatistics(&stats.Heap)

	a.directory.Each(func(block directory.Block) bool {
		stats.BlockCount++
		stats.CapacityBytes += block.Capacity
		stats.UsedBytes += block.Used
		if block.IsUnique() {
			stats.UniqueCount++
		}
		if block.IsAppendable() {
			stats.AppendableCount++
		}
		if _, ok := a.lingering.Get(block.Address); ok {
			stats.LingeringCount++
			stats.LingeringBytes += block.Capacity
		}
		return true
	})
}

// CalculateStatistics visits every block and heap region to summarize the allocator
func (a *Allocator) CalculateStatistics() Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats Statistics
	a.calculateStatistics(&stats)
	return stats
}

// BuildStatsString returns the allocator's statistics as a json document. When detailed is
// true, every block and heap region is listed.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats Statistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	total := obj.Name("Total").Object()
	stats.Heap.PrintJson(total)
	total.End()

	allocator := obj.Name("Allocator").Object()
	allocator.Name("Flags").String(a.createFlags.String())
	allocator.Name("BlockCount").Int(stats.BlockCount)
	allocator.Name("CapacityBytes").Int(stats.CapacityBytes)
	allocator.Name("UsedBytes").Int(stats.UsedBytes)
	allocator.Name("UniqueCount").Int(stats.UniqueCount)
	allocator.Name("AppendableCount").Int(stats.AppendableCount)
	allocator.Name("LingeringCount").Int(stats.LingeringCount)
	allocator.Name("LingeringBytes").Int(stats.LingeringBytes)

	if detailed {
		blocks := allocator.Name("Blocks").Array()
		a.directory.Each(func(block directory.Block) bool {
			blockObj := blocks.Object()
			blockObj.Name("Address").Int(int(block.Address))
			blockObj.Name("Capacity").Int(block.Capacity)
			blockObj.Name("Used").Int(block.Used)
			blockObj.Name("Flags").String(block.Flags.String())
			if _, ok := a.lingering.Get(block.Address); ok {
				blockObj.Name("Lingering").Bool(true)
			}
			blockObj.End()
			return true
		})
		blocks.End()
	}
	allocator.End()

	heapObj := obj.Name("Heap").Object()
	a.heap.PrintJson(heapObj, detailed)
	heapObj.End()

	obj.End()
	return string(writer.Bytes())
}
