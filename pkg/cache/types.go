package cache

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

// Namespace keeps library lookups and executable lookups apart.
type Namespace uint8

const (
	NSLib  Namespace = 1
	NSExec Namespace = 2
)

func (ns Namespace) String() string {
	switch ns {
	case NSLib:
		return "lib"
	case NSExec:
		return "exec"
	default:
		return fmt.Sprintf("ns(%d)", uint8(ns))
	}
}

func (ns Namespace) Valid() bool { return ns == NSLib || ns == NSExec }

type Key struct {
	Namespace Namespace
	Dir       string
	File      string
}

// KeyOf splits a path into its directory and file components.
func KeyOf(ns Namespace, p string) Key {
	dir, file := path.Split(path.Clean(p))
	if dir != "/" {
		dir = path.Clean(dir)
	}
	return Key{Namespace: ns, Dir: dir, File: file}
}

func (k Key) Path() string { return path.Join(k.Dir, k.File) }

func (k Key) String() string { return k.Namespace.String() + ":" + k.Path() }

type Status uint8

const (
	StatusUnknown Status = iota
	StatusRequested
	StatusLocalPath
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRequested:
		return "requested"
	case StatusLocalPath:
		return "local_path"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool { return s == StatusLocalPath || s == StatusNotFound }

type Entry struct {
	Key       Key
	Status    Status
	LocalPath string
}

var ErrNonMonotonic = errors.New("cache: status transition not allowed")

// Table is the per-node cache table. It is not safe for concurrent use;
// the daemon's dispatch goroutine owns it.
//
// Status only moves forward: Unknown -> Requested -> {LocalPath | NotFound}.
type Table struct {
	entries map[Key]*Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[Key]*Entry)}
}

func (t *Table) Get(k Key) Entry {
	if e, ok := t.entries[k]; ok {
		return *e
	}
	return Entry{Key: k, Status: StatusUnknown}
}

// MarkRequested moves k from Unknown to Requested and reports whether it did.
func (t *Table) MarkRequested(k Key) bool {
	if _, ok := t.entries[k]; ok {
		return false
	}
	t.entries[k] = &Entry{Key: k, Status: StatusRequested}
	return true
}

// Resolve records a local copy of k. Resolving an entry that already has a
// local path is a no-op.
func (t *Table) Resolve(k Key, localPath string) error {
	e, ok := t.entries[k]
	if !ok {
		t.entries[k] = &Entry{Key: k, Status: StatusLocalPath, LocalPath: localPath}
		return nil
	}
	switch e.Status {
	case StatusLocalPath:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%w: %s %s -> %s", ErrNonMonotonic, k, e.Status, StatusLocalPath)
	}
	e.Status = StatusLocalPath
	e.LocalPath = localPath
	return nil
}

func (t *Table) MarkNotFound(k Key) error {
	e, ok := t.entries[k]
	if !ok {
		t.entries[k] = &Entry{Key: k, Status: StatusNotFound}
		return nil
	}
	switch e.Status {
	case StatusNotFound:
		return nil
	case StatusLocalPath:
		return fmt.Errorf("%w: %s %s -> %s", ErrNonMonotonic, k, e.Status, StatusNotFound)
	}
	e.Status = StatusNotFound
	return nil
}

func (t *Table) Len() int { return len(t.entries) }

// Entries returns a copy of the table sorted by namespace then path.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Namespace != out[j].Key.Namespace {
			return out[i].Key.Namespace < out[j].Key.Namespace
		}
		return out[i].Key.Path() < out[j].Key.Path()
	})
	return out
}

// DropPending forgets every non-terminal entry so a later session can fetch
// them again.
func (t *Table) DropPending() int {
	n := 0
	for k, e := range t.entries {
		if !e.Status.Terminal() {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
