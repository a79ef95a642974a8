package hash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"exthash/pkg/entry"
	"exthash/pkg/pager"
)

// HashIndex is an index that uses a HashTableIndex as its underlying
// data structure, implementing pkg/database's Index interface (spec §6's
// public surface).
type HashIndex struct {
	name   string
	table  *HashTableIndex
	pager  *pager.Pager
	hashFn HashFunc
}

const metaHashFnXx byte = 0
const metaHashFnMurmur byte = 1

// OpenTable opens (or creates) a hash index backed by the file at filename.
func OpenTable(filename string) (*HashIndex, error) {
	p, err := pager.New(filename)
	if err != nil {
		return nil, err
	}
	table := NewHashTableIndex(p, XxHash, Int64Equal)
	index := &HashIndex{
		name:   filepath.Base(filename),
		table:  table,
		pager:  p,
		hashFn: XxHash,
	}
	if p.GetNumPages() > 0 {
		if err := index.readMeta(); err != nil {
			return nil, err
		}
	}
	return index, nil
}

// GetName returns the base file name of the file backing this index's pager.
func (index *HashIndex) GetName() string {
	return index.name
}

// GetPager returns the pager backing this index.
func (index *HashIndex) GetPager() *pager.Pager {
	return index.pager
}

// GetTable returns the underlying extendible-hashing controller.
func (index *HashIndex) GetTable() *HashTableIndex {
	return index.table
}

// metaFileName mirrors the teacher's convention of a sidecar ".meta" file
// alongside the pager's data file for the small amount of index-level
// metadata (here: which directory page id and hash function to resume with).
func (index *HashIndex) metaFileName() string {
	return index.pager.GetFileName() + ".meta"
}

func (index *HashIndex) readMeta() error {
	metaPager, err := pager.New(index.metaFileName())
	if err != nil {
		return err
	}
	defer metaPager.Close()
	if metaPager.GetNumPages() == 0 {
		// The data file already has pages but the sidecar is missing or
		// was never written; the directory was always allocated first
		// (fetchDirectory's lazy init), so it must be page 0.
		index.table.SetDirectoryPageID(0)
		return nil
	}
	page, err := metaPager.FetchPage(0)
	if err != nil {
		return err
	}
	defer metaPager.UnpinPage(page, false)

	data := page.GetData()
	dirID := int64(binary.LittleEndian.Uint64(data[0:8]))
	fnTag := data[8]
	index.table.SetDirectoryPageID(dirID)
	switch fnTag {
	case metaHashFnMurmur:
		index.hashFn = MurmurHash
	default:
		index.hashFn = XxHash
	}
	index.table.hashFn = index.hashFn
	return nil
}

func (index *HashIndex) writeMeta() error {
	metaPager, err := pager.New(index.metaFileName())
	if err != nil {
		return err
	}
	var page *pager.Page
	if metaPager.GetNumPages() == 0 {
		page, err = metaPager.NewPage()
	} else {
		page, err = metaPager.FetchPage(0)
	}
	if err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(index.table.GetDirectoryPageID()))
	if isSameHashFn(index.hashFn, MurmurHash) {
		buf[8] = metaHashFnMurmur
	} else {
		buf[8] = metaHashFnXx
	}
	page.Update(buf, 0, 16)
	metaPager.UnpinPage(page, true)
	return metaPager.Close()
}

// isSameHashFn compares HashFuncs by probing them at a fixed key, since Go
// funcs aren't otherwise comparable.
func isSameHashFn(a, b HashFunc) bool {
	const probe = 0x5f3759df
	return a(probe) == b(probe)
}

// Close persists the index's metadata and closes its pager.
func (index *HashIndex) Close() error {
	if err := index.writeMeta(); err != nil {
		return err
	}
	return index.pager.Close()
}

// Find returns the first entry with the given key.
func (index *HashIndex) Find(key int64) (entry.Entry, error) {
	values, err := index.table.Lookup(nil, key)
	if err != nil {
		return entry.Entry{}, err
	}
	if len(values) == 0 {
		return entry.Entry{}, errors.New("not found")
	}
	return entry.New(key, values[0]), nil
}

// Insert inserts the given key-value pair.
func (index *HashIndex) Insert(key int64, value int64) error {
	ok, err := index.table.Insert(nil, key, value)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("insert failed: duplicate pair or capacity exhausted")
	}
	return nil
}

// Update updates the value associated with the given key.
func (index *HashIndex) Update(key int64, value int64) error {
	ok, err := index.table.Update(nil, key, value)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("key not found, update aborted")
	}
	return nil
}

// Delete deletes the first entry found under the given key.
func (index *HashIndex) Delete(key int64) error {
	value, err := index.Find(key)
	if err != nil {
		return err
	}
	ok, err := index.table.Remove(nil, key, value.Value)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("key not found, delete aborted")
	}
	return nil
}

// Select returns every entry in this index.
func (index *HashIndex) Select() ([]entry.Entry, error) {
	return index.table.Select()
}

// Print writes a string representation of this entire index to w.
func (index *HashIndex) Print(w io.Writer) {
	depth, err := index.table.GetGlobalDepth()
	if err != nil {
		return
	}
	io.WriteString(w, "====\n")
	fmt.Fprintf(w, "global depth: %d\n", depth)
	entries, err := index.Select()
	if err != nil {
		return
	}
	for _, e := range entries {
		e.Print(w)
	}
	io.WriteString(w, "\n====\n")
}

// PrintPN writes a string representation of the bucket page pn to w.
func (index *HashIndex) PrintPN(pn int, w io.Writer) {
	page, err := index.pager.FetchPage(int64(pn))
	if err != nil {
		fmt.Fprintln(w, "out of bounds")
		return
	}
	defer index.pager.UnpinPage(page, false)
	pageToBucket(page).Print(w)
}
