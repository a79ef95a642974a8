package hash

import (
	"encoding/binary"

	"exthash/pkg/pager"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Low-level Constants //////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const PAGESIZE int64 = pager.Pagesize

// MaxDepth bounds both the global depth of the directory and the local
// depth of any bucket. 8 is the largest value whose directory fits in a
// single PAGESIZE page: the directory header needs a 4-byte global depth
// plus 1<<MaxDepth entries of (8-byte bucket page id + 1-byte local depth).
// At MaxDepth 9 that's 4 + 512*9 = 4,612 bytes, which overflows PAGESIZE;
// at MaxDepth 8 it's 4 + 256*9 = 2,308 bytes, comfortably inside it.
const MaxDepth int64 = 8

// DirSize is the fixed number of routing slots the directory page reserves,
// regardless of the current global depth.
const DirSize int64 = 1 << MaxDepth

const dirGlobalDepthOffset int64 = 0
const dirGlobalDepthSize int64 = 4
const dirBucketIDsOffset int64 = dirGlobalDepthOffset + dirGlobalDepthSize
const dirBucketIDSize int64 = 8
const dirLocalDepthsOffset int64 = dirBucketIDsOffset + dirBucketIDSize*DirSize
const dirLocalDepthSize int64 = 1
const dirPageBytesUsed int64 = dirLocalDepthsOffset + dirLocalDepthSize*DirSize

const DEPTH_SIZE int64 = binary.MaxVarintLen64
const ENTRYSIZE int64 = binary.MaxVarintLen64 * 2 // int64 key, int64 value

// BucketCapacity is the fixed number of (key, value) slots a bucket page
// holds. Derived from PAGESIZE: a varint local-depth header, BucketCapacity
// entries at up to ENTRYSIZE bytes apiece, and two bitset-backed
// occupied/readable bitmaps of bucketBitmapWords 64-bit words apiece must
// together fit in PAGESIZE.
const BucketCapacity int64 = 200

// bucketBitmapWords is the number of 64-bit words bits-and-blooms/bitset
// needs to represent BucketCapacity bits.
const bucketBitmapWords int64 = (BucketCapacity + 63) / 64
const bucketBitmapBytes int64 = bucketBitmapWords * 8

const bucketLocalDepthOffset int64 = 0
const bucketLocalDepthSize int64 = DEPTH_SIZE
const bucketOccupiedOffset int64 = bucketLocalDepthOffset + bucketLocalDepthSize
const bucketReadableOffset int64 = bucketOccupiedOffset + bucketBitmapBytes
const bucketEntriesOffset int64 = bucketReadableOffset + bucketBitmapBytes
