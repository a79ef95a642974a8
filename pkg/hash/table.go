package hash

import (
	"errors"
	"sync"
	"sync/atomic"

	"exthash/pkg/entry"
	"exthash/pkg/pager"
	"exthash/pkg/txn"

	"golang.org/x/sync/singleflight"
)

// ErrCapacityExhausted is returned by Insert when a bucket's local depth
// has already reached MaxDepth and it is still full: the key's slot cannot
// be split any further (spec §4.3.3 step 3, §7).
var ErrCapacityExhausted = errors.New("hash: bucket local depth exhausted at MaxDepth")

// HashTableIndex is the extendible-hashing controller (spec §4.3): it owns
// the directory page id, the table-wide latch that separates structural
// modifications from plain operations, and the pager, hash function, and
// comparator it was constructed with. Every page dereference it performs
// is bracketed by Fetch -> ... -> Unpin.
type HashTableIndex struct {
	pager           *pager.Pager
	hashFn          HashFunc
	cmp             Comparator
	directoryPageID atomic.Int64
	tableLatch      sync.RWMutex
	dirInit         singleflight.Group
}

// NewHashTableIndex constructs a HashTableIndex over an empty pager. The
// directory page is not allocated yet (spec §3 "lazily created on first
// structural need"; §4.3.6).
func NewHashTableIndex(p *pager.Pager, hashFn HashFunc, cmp Comparator) *HashTableIndex {
	table := &HashTableIndex{
		pager:  p,
		hashFn: hashFn,
		cmp:    cmp,
	}
	table.directoryPageID.Store(pager.NoPage)
	return table
}

// fingerprint computes a key's fingerprint via the configured hash function.
func (table *HashTableIndex) fingerprint(key int64) uint32 {
	return table.hashFn(key)
}

func keyToDirectoryIndex(fingerprint uint32, dir *DirectoryPage) int64 {
	return int64(fingerprint) & dir.GlobalDepthMask()
}

// fetchDirectory returns the directory page, pinned, lazily allocating it
// (along with its first bucket) on first use (spec §4.3.6). The
// singleflight.Group collapses concurrent first-touch callers into a
// single allocation; it stands in for the "directory init mutex", which is
// orthogonal to the table latch because fetchDirectory can be called while
// only holding the table latch in shared mode.
func (table *HashTableIndex) fetchDirectory() (*DirectoryPage, error) {
	if table.directoryPageID.Load() == pager.NoPage {
		_, err, _ := table.dirInit.Do("init", func() (interface{}, error) {
			if table.directoryPageID.Load() != pager.NoPage {
				return nil, nil
			}
			dir, err := newDirectoryPage(table.pager)
			if err != nil {
				return nil, err
			}
			bucket, err := newBucketPage(table.pager, 0)
			if err != nil {
				table.pager.UnpinPage(dir.GetPage(), false)
				return nil, err
			}
			dir.SetBucketPageID(0, bucket.GetPage().GetPageNum())
			table.directoryPageID.Store(dir.GetPage().GetPageNum())
			table.pager.UnpinPage(dir.GetPage(), true)
			table.pager.UnpinPage(bucket.GetPage(), true)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
	page, err := table.pager.FetchPage(table.directoryPageID.Load())
	if err != nil {
		return nil, err
	}
	return pageToDirectory(page), nil
}

func (table *HashTableIndex) fetchBucket(pageID int64) (*BucketPage, error) {
	page, err := table.pager.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return pageToBucket(page), nil
}

// GetGlobalDepth returns the directory's current global depth (spec §6).
func (table *HashTableIndex) GetGlobalDepth() (int64, error) {
	table.tableLatch.RLock()
	defer table.tableLatch.RUnlock()
	dir, err := table.fetchDirectory()
	if err != nil {
		return 0, err
	}
	depth := dir.GlobalDepth()
	table.pager.UnpinPage(dir.GetPage(), false)
	return depth, nil
}

// VerifyIntegrity asserts the directory's aliasing invariant (spec §4.1, §8).
func (table *HashTableIndex) VerifyIntegrity() error {
	table.tableLatch.RLock()
	defer table.tableLatch.RUnlock()
	dir, err := table.fetchDirectory()
	if err != nil {
		return err
	}
	verr := dir.VerifyIntegrity()
	table.pager.UnpinPage(dir.GetPage(), false)
	return verr
}

// Lookup returns every value stored under key (spec §4.3.1).
func (table *HashTableIndex) Lookup(txn *txn.Transaction, key int64) ([]int64, error) {
	table.tableLatch.RLock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.RUnlock()
		return nil, err
	}
	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	bucketID := dir.BucketPageID(idx)
	bucket, err := table.fetchBucket(bucketID)
	if err != nil {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.RUnlock()
		return nil, err
	}
	bucket.GetPage().RLock()
	table.tableLatch.RUnlock()

	values := bucket.Lookup(key, table.cmp)

	bucket.GetPage().RUnlock()
	table.pager.UnpinPage(bucket.GetPage(), false)
	table.pager.UnpinPage(dir.GetPage(), false)
	return values, nil
}

// Insert inserts (key, value) into the index (spec §4.3.2). The fast path
// (bucket not full) never takes the exclusive table latch; a full bucket
// triggers SplitInsert once the fast-path latches are released.
func (table *HashTableIndex) Insert(txn *txn.Transaction, key int64, value int64) (bool, error) {
	table.tableLatch.RLock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.RUnlock()
		return false, err
	}
	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	bucketID := dir.BucketPageID(idx)
	bucket, err := table.fetchBucket(bucketID)
	if err != nil {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.RUnlock()
		return false, err
	}
	bucket.GetPage().WLock()

	if !bucket.IsFull() {
		ok := bucket.Insert(key, value, table.cmp)
		bucket.GetPage().WUnlock()
		table.pager.UnpinPage(bucket.GetPage(), ok)
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.RUnlock()
		return ok, nil
	}

	bucket.GetPage().WUnlock()
	table.pager.UnpinPage(bucket.GetPage(), false)
	table.pager.UnpinPage(dir.GetPage(), false)
	table.tableLatch.RUnlock()
	return table.SplitInsert(txn, key, value)
}

// SplitInsert splits the bucket a full key's fingerprint routes to, growing
// the directory first if necessary, then tail-calls back into Insert (spec
// §4.3.3, §9).
func (table *HashTableIndex) SplitInsert(txn *txn.Transaction, key int64, value int64) (bool, error) {
	table.tableLatch.Lock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.Unlock()
		return false, err
	}

	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	localDepth := dir.LocalDepth(idx)
	if localDepth >= MaxDepth {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.Unlock()
		return false, ErrCapacityExhausted
	}

	if localDepth == dir.GlobalDepth() {
		if err := dir.IncrGlobalDepth(); err != nil {
			table.pager.UnpinPage(dir.GetPage(), false)
			table.tableLatch.Unlock()
			return false, err
		}
	}
	dir.IncrLocalDepth(idx)
	newDepth := dir.LocalDepth(idx)

	oldBucketID := dir.BucketPageID(idx)
	oldBucket, err := table.fetchBucket(oldBucketID)
	if err != nil {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.Unlock()
		return false, err
	}
	oldBucket.GetPage().WLock()

	scratch := oldBucket.ArrayCopy()
	oldBucket.Reset()
	oldBucket.SetLocalDepth(newDepth)

	newBucket, err := newBucketPage(table.pager, newDepth)
	if err != nil {
		oldBucket.GetPage().WUnlock()
		table.pager.UnpinPage(oldBucket.GetPage(), false)
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.Unlock()
		return false, err
	}
	newBucket.GetPage().WLock()

	image := dir.SplitImageIndex(idx)
	dir.SetLocalDepth(image, newDepth)
	dir.SetBucketPageID(image, newBucket.GetPage().GetPageNum())

	// Rewire every alias of the pre-split bucket: every slot congruent to
	// idx modulo the pre-split stride must now point at either idx's or
	// image's bucket, whichever matches on the newly-significant bit
	// (spec §4.3.3 step 9, §9's single-pass alternative).
	mask := dir.LocalDepthMask(idx)
	for k := int64(0); k < dir.Size(); k++ {
		if k&mask == idx&mask {
			dir.SetBucketPageID(k, oldBucket.GetPage().GetPageNum())
			dir.SetLocalDepth(k, newDepth)
		} else if k&mask == image&mask {
			dir.SetBucketPageID(k, newBucket.GetPage().GetPageNum())
			dir.SetLocalDepth(k, newDepth)
		}
	}

	// Redistribute the scratch buffer between the old bucket and its new sibling.
	var redistErr error
	for _, e := range scratch {
		target := keyToDirectoryIndex(table.fingerprint(e.Key), dir)
		targetID := dir.BucketPageID(target)
		switch targetID {
		case oldBucket.GetPage().GetPageNum():
			oldBucket.Insert(e.Key, e.Value, table.cmp)
		case newBucket.GetPage().GetPageNum():
			newBucket.Insert(e.Key, e.Value, table.cmp)
		default:
			redistErr = errors.New("hash: redistributed entry routed outside split pair")
		}
	}

	oldBucket.GetPage().WUnlock()
	newBucket.GetPage().WUnlock()
	table.pager.UnpinPage(oldBucket.GetPage(), true)
	table.pager.UnpinPage(newBucket.GetPage(), true)
	table.pager.UnpinPage(dir.GetPage(), true)
	table.tableLatch.Unlock()

	if redistErr != nil {
		return false, redistErr
	}
	return table.Insert(txn, key, value)
}

// Remove deletes (key, value) from the index, merging the emptied bucket's
// slot if necessary (spec §4.3.4).
func (table *HashTableIndex) Remove(txn *txn.Transaction, key int64, value int64) (bool, error) {
	table.tableLatch.RLock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.RUnlock()
		return false, err
	}
	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	bucketID := dir.BucketPageID(idx)
	bucket, err := table.fetchBucket(bucketID)
	if err != nil {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.RUnlock()
		return false, err
	}
	bucket.GetPage().WLock()

	ok := bucket.Remove(key, value, table.cmp)
	becameEmpty := ok && bucket.IsEmpty()

	bucket.GetPage().WUnlock()
	table.pager.UnpinPage(bucket.GetPage(), ok)
	table.pager.UnpinPage(dir.GetPage(), false)
	table.tableLatch.RUnlock()

	if becameEmpty {
		table.Merge(idx)
	}
	return ok, nil
}

// Merge collapses the bucket at targetIndex into its split image if it is
// still empty and merge-eligible, then shrinks the directory as far as
// possible (spec §4.3.5). Every precondition is re-checked after
// re-acquiring the exclusive table latch, since Remove drops it before
// calling in (spec §9).
func (table *HashTableIndex) Merge(targetIndex int64) error {
	table.tableLatch.Lock()
	defer table.tableLatch.Unlock()

	dir, err := table.fetchDirectory()
	if err != nil {
		return err
	}
	dirDirty := false
	defer func() { table.pager.UnpinPage(dir.GetPage(), dirDirty) }()

	localDepth := dir.LocalDepth(targetIndex)
	if localDepth == 0 {
		return nil
	}
	imageIndex := dir.SplitImageIndex(targetIndex)
	if localDepth != dir.LocalDepth(imageIndex) {
		return nil
	}

	targetID := dir.BucketPageID(targetIndex)
	targetBucket, err := table.fetchBucket(targetID)
	if err != nil {
		return err
	}
	targetBucket.GetPage().RLock()
	empty := targetBucket.IsEmpty()
	targetBucket.GetPage().RUnlock()
	if !empty {
		table.pager.UnpinPage(targetBucket.GetPage(), false)
		return nil
	}
	table.pager.UnpinPage(targetBucket.GetPage(), false)

	if _, err := table.pager.DeletePage(targetID); err != nil {
		return err
	}
	dirDirty = true

	imageID := dir.BucketPageID(imageIndex)
	newDepth := localDepth - 1
	dir.SetBucketPageID(targetIndex, imageID)
	dir.DecrLocalDepth(targetIndex)
	dir.DecrLocalDepth(imageIndex)

	for k := int64(0); k < dir.Size(); k++ {
		if dir.BucketPageID(k) == targetID || dir.BucketPageID(k) == imageID {
			dir.SetBucketPageID(k, imageID)
			dir.SetLocalDepth(k, newDepth)
		}
	}

	imageBucket, err := table.fetchBucket(imageID)
	if err != nil {
		return err
	}
	imageBucket.GetPage().WLock()
	imageBucket.SetLocalDepth(newDepth)
	imageBucket.GetPage().WUnlock()
	table.pager.UnpinPage(imageBucket.GetPage(), true)

	for dir.CanShrink() {
		dir.DecrGlobalDepth()
	}
	return nil
}

// Select returns every live entry across every bucket page, in bucket order.
func (table *HashTableIndex) Select() ([]entry.Entry, error) {
	table.tableLatch.RLock()
	defer table.tableLatch.RUnlock()

	dir, err := table.fetchDirectory()
	if err != nil {
		return nil, err
	}
	defer table.pager.UnpinPage(dir.GetPage(), false)

	seen := make(map[int64]bool)
	var out []entry.Entry
	for i := int64(0); i < dir.Size(); i++ {
		id := dir.BucketPageID(i)
		if seen[id] {
			continue
		}
		seen[id] = true
		bucket, err := table.fetchBucket(id)
		if err != nil {
			return nil, err
		}
		bucket.GetPage().RLock()
		out = append(out, bucket.ArrayCopy()...)
		bucket.GetPage().RUnlock()
		table.pager.UnpinPage(bucket.GetPage(), false)
	}
	return out, nil
}

// Update rewrites the value stored under key, without ever splitting the
// bucket (spec §9's supplemental Update, grounded in the teacher's
// HashBucket.Update / HashTable.Update).
func (table *HashTableIndex) Update(txn *txn.Transaction, key int64, newValue int64) (bool, error) {
	table.tableLatch.RLock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.RUnlock()
		return false, err
	}
	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	bucketID := dir.BucketPageID(idx)
	bucket, err := table.fetchBucket(bucketID)
	if err != nil {
		table.pager.UnpinPage(dir.GetPage(), false)
		table.tableLatch.RUnlock()
		return false, err
	}
	bucket.GetPage().WLock()
	ok := bucket.Update(key, newValue, table.cmp)
	bucket.GetPage().WUnlock()

	table.pager.UnpinPage(bucket.GetPage(), ok)
	table.pager.UnpinPage(dir.GetPage(), false)
	table.tableLatch.RUnlock()
	return ok, nil
}

// LocalDepthForKey returns the local depth of the bucket key currently
// routes to, without regard for whether key is actually present in it.
func (table *HashTableIndex) LocalDepthForKey(key int64) (int64, error) {
	table.tableLatch.RLock()
	defer table.tableLatch.RUnlock()
	dir, err := table.fetchDirectory()
	if err != nil {
		return 0, err
	}
	defer table.pager.UnpinPage(dir.GetPage(), false)
	idx := keyToDirectoryIndex(table.fingerprint(key), dir)
	return dir.LocalDepth(idx), nil
}

// GetPager returns the pager backing this index.
func (table *HashTableIndex) GetPager() *pager.Pager {
	return table.pager
}

// GetDirectoryPageID returns the page id of the directory page, or
// pager.NoPage if it has not yet been allocated.
func (table *HashTableIndex) GetDirectoryPageID() int64 {
	return table.directoryPageID.Load()
}

// SetDirectoryPageID restores a directory page id read back from disk.
func (table *HashTableIndex) SetDirectoryPageID(id int64) {
	table.directoryPageID.Store(id)
}
