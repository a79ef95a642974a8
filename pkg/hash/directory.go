package hash

import (
	"encoding/binary"
	"errors"

	"exthash/pkg/pager"
)

// DirectoryPage is the routing table of an extendible hash index (spec §3,
// §4.1): a global depth plus, for every slot `0 <= i < 2^globalDepth`, the
// page id of the bucket responsible for that slot and that bucket's local
// depth. The slot arrays are allocated at their maximum size (DirSize) up
// front, so decrementing the global depth only narrows the logical `Size()`
// window into them; incrementing it widens the window and copies the lower
// half's slots into the new upper half.
type DirectoryPage struct {
	page        *pager.Page
	globalDepth int32
	bucketIDs   [DirSize]int64
	localDepths [DirSize]uint8
}

// newDirectoryPage allocates a fresh, empty directory page: global depth 0,
// every routing slot pointed at pager.NoPage, every local depth 0. The
// caller is responsible for pointing slot 0 at the index's first bucket
// page and for unpinning the returned page.
func newDirectoryPage(p *pager.Pager) (*DirectoryPage, error) {
	page, err := p.NewPage()
	if err != nil {
		return nil, err
	}
	dir := &DirectoryPage{page: page}
	for i := int64(0); i < DirSize; i++ {
		dir.bucketIDs[i] = pager.NoPage
	}
	dir.writeGlobalDepth()
	for i := int64(0); i < DirSize; i++ {
		dir.writeBucketID(i)
		dir.writeLocalDepth(i)
	}
	return dir, nil
}

// pageToDirectory reconstructs a DirectoryPage view over an already-fetched page.
func pageToDirectory(page *pager.Page) *DirectoryPage {
	data := page.GetData()
	dir := &DirectoryPage{page: page}
	dir.globalDepth = int32(binary.LittleEndian.Uint32(data[dirGlobalDepthOffset : dirGlobalDepthOffset+dirGlobalDepthSize]))
	for i := int64(0); i < DirSize; i++ {
		off := dirBucketIDsOffset + i*dirBucketIDSize
		dir.bucketIDs[i] = int64(binary.LittleEndian.Uint64(data[off : off+dirBucketIDSize]))
		dir.localDepths[i] = data[dirLocalDepthsOffset+i*dirLocalDepthSize]
	}
	return dir
}

func (dir *DirectoryPage) writeGlobalDepth() {
	buf := make([]byte, dirGlobalDepthSize)
	binary.LittleEndian.PutUint32(buf, uint32(dir.globalDepth))
	dir.page.Update(buf, dirGlobalDepthOffset, dirGlobalDepthSize)
}

func (dir *DirectoryPage) writeBucketID(i int64) {
	buf := make([]byte, dirBucketIDSize)
	binary.LittleEndian.PutUint64(buf, uint64(dir.bucketIDs[i]))
	dir.page.Update(buf, dirBucketIDsOffset+i*dirBucketIDSize, dirBucketIDSize)
}

func (dir *DirectoryPage) writeLocalDepth(i int64) {
	dir.page.Update([]byte{dir.localDepths[i]}, dirLocalDepthsOffset+i*dirLocalDepthSize, dirLocalDepthSize)
}

// GetPage returns the backing buffer-pool page.
func (dir *DirectoryPage) GetPage() *pager.Page {
	return dir.page
}

// GlobalDepth returns the current global depth.
func (dir *DirectoryPage) GlobalDepth() int64 {
	return int64(dir.globalDepth)
}

// GlobalDepthMask returns (1 << globalDepth) - 1.
func (dir *DirectoryPage) GlobalDepthMask() int64 {
	return (int64(1) << dir.GlobalDepth()) - 1
}

// Size returns the number of logically-live routing slots, 1 << globalDepth.
func (dir *DirectoryPage) Size() int64 {
	return int64(1) << dir.GlobalDepth()
}

// LocalDepth returns the local depth of slot i.
func (dir *DirectoryPage) LocalDepth(i int64) int64 {
	return int64(dir.localDepths[i])
}

// LocalDepthMask returns (1 << localDepth[i]) - 1.
func (dir *DirectoryPage) LocalDepthMask(i int64) int64 {
	return (int64(1) << dir.LocalDepth(i)) - 1
}

// BucketPageID returns the page id routed to by slot i.
func (dir *DirectoryPage) BucketPageID(i int64) int64 {
	return dir.bucketIDs[i]
}

// SetBucketPageID routes slot i to the given bucket page id.
func (dir *DirectoryPage) SetBucketPageID(i int64, id int64) {
	dir.bucketIDs[i] = id
	dir.writeBucketID(i)
}

// SetLocalDepth sets the local depth of slot i directly.
func (dir *DirectoryPage) SetLocalDepth(i int64, depth int64) {
	dir.localDepths[i] = uint8(depth)
	dir.writeLocalDepth(i)
}

// IncrLocalDepth increments the local depth of slot i.
func (dir *DirectoryPage) IncrLocalDepth(i int64) {
	dir.SetLocalDepth(i, dir.LocalDepth(i)+1)
}

// DecrLocalDepth decrements the local depth of slot i.
func (dir *DirectoryPage) DecrLocalDepth(i int64) {
	dir.SetLocalDepth(i, dir.LocalDepth(i)-1)
}

// IncrGlobalDepth doubles the directory, mirroring every entry [0, 2^gd)
// into [2^gd, 2^(gd+1)) so every pair of mirror slots keeps pointing at the
// same bucket with the same local depth (spec §4.1). The backing arrays are
// already allocated at DirSize, so no allocation happens: the global depth
// is bumped and each slot i < 2^gd has its bucket id and local depth copied
// into slot 2^gd + i. Returns an error if the global depth is already
// MaxDepth.
func (dir *DirectoryPage) IncrGlobalDepth() error {
	if dir.GlobalDepth() >= MaxDepth {
		return errors.New("cannot grow directory past MaxDepth")
	}
	oldSize := dir.Size()
	dir.globalDepth++
	dir.writeGlobalDepth()
	for i := int64(0); i < oldSize; i++ {
		dir.SetBucketPageID(oldSize+i, dir.BucketPageID(i))
		dir.SetLocalDepth(oldSize+i, dir.LocalDepth(i))
	}
	return nil
}

// DecrGlobalDepth halves the directory. The upper half is redundant by the
// aliasing invariant (CanShrink must have been checked by the caller), so
// nothing needs to be rewritten; only the logical window shrinks.
func (dir *DirectoryPage) DecrGlobalDepth() {
	dir.globalDepth--
	dir.writeGlobalDepth()
}

// SplitImageIndex returns the slot that mirrors slot i at i's current local depth.
func (dir *DirectoryPage) SplitImageIndex(i int64) int64 {
	ld := dir.LocalDepth(i)
	return i ^ (int64(1) << (ld - 1))
}

// CanShrink reports whether the directory can lose its highest bit, i.e.
// no slot's local depth uses it.
func (dir *DirectoryPage) CanShrink() bool {
	if dir.GlobalDepth() == 0 {
		return false
	}
	for i := int64(0); i < dir.Size(); i++ {
		if dir.LocalDepth(i) == dir.GlobalDepth() {
			return false
		}
	}
	return true
}

// VerifyIntegrity asserts the aliasing invariant (spec §8, invariant 2):
// every slot j congruent to i modulo 2^localDepth[i] must share i's bucket
// page id and local depth.
func (dir *DirectoryPage) VerifyIntegrity() error {
	for i := int64(0); i < dir.Size(); i++ {
		ld := dir.LocalDepth(i)
		if ld > dir.GlobalDepth() {
			return errors.New("local depth exceeds global depth")
		}
		mask := dir.LocalDepthMask(i)
		for j := int64(0); j < dir.Size(); j++ {
			if j&mask != i&mask {
				continue
			}
			if dir.BucketPageID(j) != dir.BucketPageID(i) {
				return errors.New("aliasing invariant violated: mismatched bucket page id")
			}
			if dir.LocalDepth(j) != ld {
				return errors.New("aliasing invariant violated: mismatched local depth")
			}
		}
	}
	return nil
}
