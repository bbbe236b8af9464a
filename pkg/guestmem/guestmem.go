// Package guestmem gives access to the guest physical memory of a
// hypervisor through the mappings of its process.
package guestmem

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/procfs"
)

const pageShift = 12

// Range is a block of guest physical memory of a known size, as listed
// in the configuration.
type Range struct {
	GuestPhys uint64 `yaml:"guest-phys"`
	Size      uint64 `yaml:"size"`
}

// Region is a block of guest physical memory and the hypervisor mapping
// backing it.
type Region struct {
	GuestPhys uint64
	Size      uint64
	HostAddr  uintptr
	Mapping   procfs.Mapping
}

func (r Region) contains(gpa uint64) bool {
	return gpa >= r.GuestPhys && gpa-r.GuestPhys < r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("guest %#x-%#x at %#x (%s)", r.GuestPhys, r.GuestPhys+r.Size, r.HostAddr, r.Mapping.Path)
}

// Layout matches the guest memory ranges to the writable mappings of the
// hypervisor with the same size, the first unused mapping of a given size
// wins. Without ranges the largest writable mapping is assumed to be guest
// memory starting at guest physical address 0.
func Layout(maps []procfs.Mapping, ranges []Range) ([]Region, error) {
	var candidates []procfs.Mapping
	for _, m := range maps {
		if m.Readable() && m.Writable() && m.Path != "[stack]" && m.Path != "[heap]" {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("no writable mappings")
	}

	if len(ranges) == 0 {
		largest := candidates[0]
		for _, m := range candidates[1:] {
			if m.Size() > largest.Size() {
				largest = m
			}
		}
		return []Region{{GuestPhys: 0, Size: largest.Size(), HostAddr: uintptr(largest.Start), Mapping: largest}}, nil
	}

	used := make([]bool, len(candidates))
	regions := make([]Region, 0, len(ranges))
	for _, rng := range ranges {
		found := false
		for i, m := range candidates {
			if used[i] || m.Size() != rng.Size {
				continue
			}
			used[i] = true
			found = true
			regions = append(regions, Region{GuestPhys: rng.GuestPhys, Size: rng.Size, HostAddr: uintptr(m.Start), Mapping: m})
			break
		}
		if !found {
			return nil, errors.Errorf("no mapping of %#x bytes for guest memory at %#x", rng.Size, rng.GuestPhys)
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].GuestPhys < regions[j].GuestPhys })
	for i := 1; i < len(regions); i++ {
		if regions[i].GuestPhys < regions[i-1].GuestPhys+regions[i-1].Size {
			return nil, errors.Errorf("overlapping guest memory: %v and %v", regions[i-1], regions[i])
		}
	}
	return regions, nil
}

// Accessor reads and writes memory of the hypervisor process.
type Accessor interface {
	ReadMemory(addr uintptr, p []byte) (int, error)
	WriteMemory(addr uintptr, p []byte) (int, error)
}

// View is the guest physical address space of a hypervisor. It implements
// io.ReaderAt and io.WriterAt with guest physical addresses as offsets.
type View struct {
	regions []Region
	mem     Accessor
	// pages caches the region index of guest page frames
	pages *lru.Cache
}

// NewView returns a view of regions accessed through mem. cacheSize is the
// number of guest pages whose translation is remembered.
func NewView(regions []Region, mem Accessor, cacheSize int) (*View, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	pages, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &View{regions: regions, mem: mem, pages: pages}, nil
}

// Regions returns the regions of the view.
func (v *View) Regions() []Region {
	return v.regions
}

func (v *View) region(gpa uint64) (*Region, bool) {
	pfn := gpa >> pageShift
	if idx, ok := v.pages.Get(pfn); ok {
		r := &v.regions[idx.(int)]
		if r.contains(gpa) {
			return r, true
		}
	}
	for i := range v.regions {
		if v.regions[i].contains(gpa) {
			v.pages.Add(pfn, i)
			return &v.regions[i], true
		}
	}
	return nil, false
}

// Translate returns the hypervisor address of guest physical address gpa
// and the number of bytes that are contiguous from there.
func (v *View) Translate(gpa uint64) (uintptr, uint64, error) {
	r, ok := v.region(gpa)
	if !ok {
		return 0, 0, errors.Errorf("guest address %#x is not backed by memory", gpa)
	}
	off := gpa - r.GuestPhys
	return r.HostAddr + uintptr(off), r.Size - off, nil
}

type accessFn func(addr uintptr, p []byte) (int, error)

func (v *View) access(p []byte, off int64, fn accessFn) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative guest address %d", off)
	}
	done := 0
	for done < len(p) {
		addr, avail, err := v.Translate(uint64(off) + uint64(done))
		if err != nil {
			return done, err
		}
		chunk := p[done:]
		if uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		n, err := fn(addr, chunk)
		done += n
		if err != nil {
			return done, err
		}
		if n < len(chunk) {
			return done, errors.Errorf("short access at guest address %#x", uint64(off)+uint64(done))
		}
	}
	return done, nil
}

// ReadAt reads len(p) bytes at guest physical address off.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	return v.access(p, off, v.mem.ReadMemory)
}

// WriteAt writes p at guest physical address off.
func (v *View) WriteAt(p []byte, off int64) (int, error) {
	return v.access(p, off, v.mem.WriteMemory)
}
