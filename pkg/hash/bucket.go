package hash

import (
	"encoding/binary"
	"fmt"
	"io"

	"exthash/pkg/entry"
	"exthash/pkg/pager"

	"github.com/bits-and-blooms/bitset"
)

// BucketPage is page-local associative storage (spec §3, §4.2): up to
// BucketCapacity (key, value) slots, each tracked by a pair of bits -
// "occupied" (has this slot ever held a pair?) and "readable" (does it
// currently hold a live one?). Distinguishing the two lets Insert reuse a
// tombstone left by a prior Remove while linear probing still terminates
// correctly.
type BucketPage struct {
	page       *pager.Page
	localDepth int64
	occupied   *bitset.BitSet
	readable   *bitset.BitSet
}

// newBucketPage allocates a fresh, empty bucket page at the given local depth.
func newBucketPage(p *pager.Pager, localDepth int64) (*BucketPage, error) {
	page, err := p.NewPage()
	if err != nil {
		return nil, err
	}
	bucket := &BucketPage{
		page:       page,
		localDepth: localDepth,
		occupied:   bitset.New(uint(BucketCapacity)),
		readable:   bitset.New(uint(BucketCapacity)),
	}
	bucket.writeLocalDepth()
	bucket.writeOccupied()
	bucket.writeReadable()
	return bucket, nil
}

// pageToBucket reconstructs a BucketPage view over an already-fetched page.
func pageToBucket(page *pager.Page) *BucketPage {
	data := page.GetData()
	depth, _ := binary.Varint(data[bucketLocalDepthOffset : bucketLocalDepthOffset+bucketLocalDepthSize])
	occWords := bytesToWords(data[bucketOccupiedOffset : bucketOccupiedOffset+bucketBitmapBytes])
	readWords := bytesToWords(data[bucketReadableOffset : bucketReadableOffset+bucketBitmapBytes])
	return &BucketPage{
		page:       page,
		localDepth: depth,
		occupied:   bitset.From(occWords),
		readable:   bitset.From(readWords),
	}
}

func bytesToWords(b []byte) []uint64 {
	words := make([]uint64, bucketBitmapWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return words
}

func wordsToBytes(words []uint64, out []byte) {
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], w)
	}
}

func (bucket *BucketPage) writeLocalDepth() {
	buf := make([]byte, bucketLocalDepthSize)
	binary.PutVarint(buf, bucket.localDepth)
	bucket.page.Update(buf, bucketLocalDepthOffset, bucketLocalDepthSize)
}

func (bucket *BucketPage) writeOccupied() {
	buf := make([]byte, bucketBitmapBytes)
	wordsToBytes(bucket.occupied.Bytes(), buf)
	bucket.page.Update(buf, bucketOccupiedOffset, bucketBitmapBytes)
}

func (bucket *BucketPage) writeReadable() {
	buf := make([]byte, bucketBitmapBytes)
	wordsToBytes(bucket.readable.Bytes(), buf)
	bucket.page.Update(buf, bucketReadableOffset, bucketBitmapBytes)
}

// GetPage returns the backing buffer-pool page.
func (bucket *BucketPage) GetPage() *pager.Page {
	return bucket.page
}

// LocalDepth returns this bucket's local depth.
func (bucket *BucketPage) LocalDepth() int64 {
	return bucket.localDepth
}

// SetLocalDepth updates this bucket's local depth, writing it through to the page.
func (bucket *BucketPage) SetLocalDepth(depth int64) {
	bucket.localDepth = depth
	bucket.writeLocalDepth()
}

func entryPos(index int64) int64 {
	return bucketEntriesOffset + index*ENTRYSIZE
}

func (bucket *BucketPage) getEntry(index int64) entry.Entry {
	start := entryPos(index)
	return entry.UnmarshalEntry(bucket.page.GetData()[start : start+ENTRYSIZE])
}

func (bucket *BucketPage) setEntry(index int64, e entry.Entry) {
	bucket.page.Update(e.Marshal(), entryPos(index), ENTRYSIZE)
}

// Lookup returns every value stored under the given key (spec §4.2: "every
// value whose slot is readable and whose key compares equal").
func (bucket *BucketPage) Lookup(key int64, cmp Comparator) []int64 {
	var values []int64
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if !bucket.readable.Test(i) {
			continue
		}
		e := bucket.getEntry(int64(i))
		if cmp(e.Key, key) {
			values = append(values, e.Value)
		}
	}
	return values
}

// IsFull reports whether every slot is readable.
func (bucket *BucketPage) IsFull() bool {
	return bucket.readable.Count() >= uint(BucketCapacity)
}

// IsEmpty reports whether no slot is readable.
func (bucket *BucketPage) IsEmpty() bool {
	return bucket.readable.None()
}

// NumReadable returns the count of currently-readable slots.
func (bucket *BucketPage) NumReadable() int64 {
	return int64(bucket.readable.Count())
}

// firstFreeSlot returns the first non-readable slot, preferring a
// previously-occupied tombstone slot over a never-used one, and -1 if the
// bucket is full.
func (bucket *BucketPage) firstFreeSlot() int64 {
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if bucket.occupied.Test(i) && !bucket.readable.Test(i) {
			return int64(i)
		}
	}
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if !bucket.occupied.Test(i) {
			return int64(i)
		}
	}
	return -1
}

// Insert writes (key, value) into the first non-readable slot. Returns
// false if the exact pair already exists or the bucket is full (spec §4.2).
func (bucket *BucketPage) Insert(key int64, value int64, cmp Comparator) bool {
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if !bucket.readable.Test(i) {
			continue
		}
		e := bucket.getEntry(int64(i))
		if cmp(e.Key, key) && e.Value == value {
			return false
		}
	}
	slot := bucket.firstFreeSlot()
	if slot == -1 {
		return false
	}
	bucket.setEntry(slot, entry.New(key, value))
	bucket.occupied.Set(uint(slot))
	bucket.readable.Set(uint(slot))
	bucket.writeOccupied()
	bucket.writeReadable()
	return true
}

// Remove clears the readable bit of the first slot matching (key, value).
// Returns false if no such pair is found (spec §4.2).
func (bucket *BucketPage) Remove(key int64, value int64, cmp Comparator) bool {
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if !bucket.readable.Test(i) {
			continue
		}
		e := bucket.getEntry(int64(i))
		if cmp(e.Key, key) && e.Value == value {
			bucket.readable.Clear(i)
			bucket.writeReadable()
			return true
		}
	}
	return false
}

// Update rewrites the value of the first readable slot matching key.
// Returns false if no such key is found. Never changes occupancy, so it
// can never trigger a split.
func (bucket *BucketPage) Update(key int64, newValue int64, cmp Comparator) bool {
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if !bucket.readable.Test(i) {
			continue
		}
		e := bucket.getEntry(int64(i))
		if cmp(e.Key, key) {
			bucket.setEntry(int64(i), entry.New(key, newValue))
			return true
		}
	}
	return false
}

// ArrayCopy produces a snapshot of all currently-readable (key, value) pairs.
func (bucket *BucketPage) ArrayCopy() []entry.Entry {
	out := make([]entry.Entry, 0, bucket.NumReadable())
	for i := uint(0); i < uint(BucketCapacity); i++ {
		if bucket.readable.Test(i) {
			out = append(out, bucket.getEntry(int64(i)))
		}
	}
	return out
}

// Reset clears all occupied/readable bits, as if the bucket were brand new.
func (bucket *BucketPage) Reset() {
	bucket.occupied.ClearAll()
	bucket.readable.ClearAll()
	bucket.writeOccupied()
	bucket.writeReadable()
}

// Print writes a string representation of this bucket and its entries to w.
func (bucket *BucketPage) Print(w io.Writer) {
	fmt.Fprintf(w, "bucket local depth: %d\n", bucket.localDepth)
	io.WriteString(w, "entries:")
	for _, e := range bucket.ArrayCopy() {
		e.Print(w)
	}
	io.WriteString(w, "\n")
}
