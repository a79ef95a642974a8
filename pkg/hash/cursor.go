package hash

import (
	"errors"

	"exthash/pkg/cursor"
	"exthash/pkg/entry"
)

// HashCursor is an unordered forward cursor over an index's live entries,
// walking the directory's distinct bucket ids in directory-slot order. It
// makes no ordering promise across buckets and exists to satisfy the
// database.Index / cursor.Cursor contract that callers expect of every
// index; HashIndex.Select and the REPL's pretty command take their own,
// directory-driven path rather than going through this cursor.
type HashCursor struct {
	index      *HashIndex
	bucketIDs  []int64
	bucketIdx  int
	cellnum    int64
	curEntries []entry.Entry
}

// CursorAtStart returns a cursor positioned at the first live entry.
func (index *HashIndex) CursorAtStart() (cursor.Cursor, error) {
	table := index.table
	table.tableLatch.RLock()
	dir, err := table.fetchDirectory()
	if err != nil {
		table.tableLatch.RUnlock()
		return nil, err
	}

	seen := make(map[int64]bool)
	var bucketIDs []int64
	for i := int64(0); i < dir.Size(); i++ {
		id := dir.BucketPageID(i)
		if seen[id] {
			continue
		}
		seen[id] = true
		bucketIDs = append(bucketIDs, id)
	}
	table.pager.UnpinPage(dir.GetPage(), false)
	table.tableLatch.RUnlock()

	c := &HashCursor{index: index, bucketIDs: bucketIDs, bucketIdx: -1}
	if c.advanceBucket() {
		return nil, errors.New("all buckets are empty")
	}
	return c, nil
}

// advanceBucket loads the next bucket in bucketIDs, skipping empty ones.
// It returns true once every bucket has been exhausted.
func (c *HashCursor) advanceBucket() bool {
	for {
		c.bucketIdx++
		if c.bucketIdx >= len(c.bucketIDs) {
			return true
		}
		page, err := c.index.pager.FetchPage(c.bucketIDs[c.bucketIdx])
		if err != nil {
			continue
		}
		entries := pageToBucket(page).ArrayCopy()
		c.index.pager.UnpinPage(page, false)
		if len(entries) == 0 {
			continue
		}
		c.curEntries = entries
		c.cellnum = 0
		return false
	}
}

// Next advances the cursor by one entry, returning true once every bucket
// page has been exhausted.
func (c *HashCursor) Next() bool {
	if c.cellnum+1 < int64(len(c.curEntries)) {
		c.cellnum++
		return false
	}
	return c.advanceBucket()
}

// GetEntry returns the entry currently pointed to by the cursor.
func (c *HashCursor) GetEntry() (entry.Entry, error) {
	if c.cellnum >= int64(len(c.curEntries)) {
		return entry.Entry{}, errors.New("getEntry: cursor is not pointing at a valid entry")
	}
	return c.curEntries[c.cellnum], nil
}

// Close releases cursor resources. The hash index locks at bucket
// granularity per-operation, so there is nothing to release here.
func (c *HashCursor) Close() {}
