package database

import (
	"exthash/pkg/cursor"
	"exthash/pkg/entry"
	"exthash/pkg/pager"
	"io"
)

// IndexType represents the kind of on-disk index backing a table.
type IndexType string

const (
	HashIndexType IndexType = "hash"
)

// Index interface.
type Index interface {
	Close() error
	GetName() string
	GetPager() *pager.Pager
	Find(int64) (entry.Entry, error)
	Insert(int64, int64) error
	Update(int64, int64) error
	Delete(int64) error
	Select() ([]entry.Entry, error)
	Print(io.Writer)
	PrintPN(int, io.Writer)
	CursorAtStart() (cursor.Cursor, error)
}
