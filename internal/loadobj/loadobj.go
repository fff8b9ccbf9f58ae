// Package loadobj enumerates the objects mapped into the current
// process (the main executable plus any shared libraries) and answers
// address containment queries against them. The parent uses it to turn
// a function value into an object-relative offset; the child uses it to
// turn the offset back into an address, after confirming the same
// object is mapped.
package loadobj

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without a mapping table the
// package knows how to read.
var ErrUnsupported = errors.New("loadobj: object enumeration is not supported on this platform")

type span struct {
	start uint64
	end   uint64
}

// Object describes one file-backed mapping group: every contiguous or
// discontiguous region of the address space backed by the same file.
type Object struct {
	Path  string
	Dev   uint64
	Inode uint64

	// Base is the lowest mapped address of the object. Offsets are
	// computed relative to it on both sides of a spawn, so the exact
	// relationship between Base and the ELF load bias is irrelevant as
	// long as both processes compute it the same way.
	Base uint64

	spans []span
}

// Contains reports whether addr falls inside any mapping of the object.
func (o *Object) Contains(addr uintptr) bool {
	a := uint64(addr)
	for _, s := range o.spans {
		if a >= s.start && a < s.end {
			return true
		}
	}
	return false
}

// Table is a snapshot of the process's file-backed mappings.
type Table struct {
	objects []*Object
}

// Objects returns the enumerated objects in address order.
func (t *Table) Objects() []*Object {
	return t.objects
}

// ObjectOf returns the object whose mappings contain addr, or nil.
func (t *Table) ObjectOf(addr uintptr) *Object {
	for _, o := range t.objects {
		if o.Contains(addr) {
			return o
		}
	}
	return nil
}

// Lookup finds the object with the given identity. The device and
// inode pair is the authoritative identity; the path is matched as a
// fallback for filesystems that renumber inodes (overlayfs snapshots).
func (t *Table) Lookup(path string, dev, inode uint64) *Object {
	for _, o := range t.objects {
		if o.Dev == dev && o.Inode == inode {
			return o
		}
	}
	for _, o := range t.objects {
		if o.Path == path {
			return o
		}
	}
	return nil
}

// parse reads a maps-formatted table. Lines look like:
//
//	55d0a6a2c000-55d0a6a50000 r--p 00000000 08:01 183521 /usr/bin/app
//
// Anonymous mappings and pseudo entries ([heap], [stack], [vdso]) carry
// no object identity and are skipped; an address that resolves to none
// of the remaining objects is therefore heap or stack data.
func parse(r io.Reader) (*Table, error) {
	tbl := &Table{}
	byKey := make(map[string]*Object)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}

		start, end, err := parseRange(fields[0])
		if err != nil {
			return nil, fmt.Errorf("loadobj: parse range %q: %w", fields[0], err)
		}
		dev, err := parseDev(fields[3])
		if err != nil {
			return nil, fmt.Errorf("loadobj: parse device %q: %w", fields[3], err)
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("loadobj: parse inode %q: %w", fields[4], err)
		}

		key := fmt.Sprintf("%d:%d:%s", dev, inode, path)
		obj, ok := byKey[key]
		if !ok {
			obj = &Object{Path: path, Dev: dev, Inode: inode, Base: start}
			byKey[key] = obj
			tbl.objects = append(tbl.objects, obj)
		}
		if start < obj.Base {
			obj.Base = start
		}
		obj.spans = append(obj.spans, span{start: start, end: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("loadobj: read maps: %w", err)
	}
	return tbl, nil
}

func parseRange(s string) (uint64, uint64, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, errors.New("missing range separator")
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseDev(s string) (uint64, error) {
	major, minor, ok := strings.Cut(s, ":")
	if !ok {
		return 0, errors.New("missing device separator")
	}
	hi, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return 0, err
	}
	lo, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return 0, err
	}
	return hi<<32 | lo, nil
}
