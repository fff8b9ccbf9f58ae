// Package registry translates function values into tokens that survive
// a hop into a child process running the same binary image, and back.
//
// No code is ever transmitted. A Go func value is one word: a pointer
// to a funcval record. For a top-level function (or a compile-time
// generic instantiation) that record is static data inside the mapped
// executable, so its object-relative offset is identical in parent and
// child. A capturing closure's funcval is heap-allocated instead, which
// is exactly how captures are detected and rejected.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/procfn/procfn/internal/loadobj"
	"github.com/procfn/procfn/internal/wire"
)

var (
	// ErrNotStatic means the value was not a plain function: nil, a
	// non-func, a capturing closure or a bound method value.
	ErrNotStatic = errors.New("registry: value is not a static function")

	// ErrLibraryMissing means the object named by a token is not
	// mapped in this process.
	ErrLibraryMissing = errors.New("registry: object for token is not mapped")

	// ErrEnumerationUnavailable means tokens cannot be validated
	// against the mapping table on this platform.
	ErrEnumerationUnavailable = errors.New("registry: loaded-object enumeration unavailable")
)

var (
	tableOnce sync.Once
	table     *loadobj.Table
	tableErr  error
)

func mappings() (*loadobj.Table, error) {
	tableOnce.Do(func() {
		table, tableErr = loadobj.Read()
	})
	return table, tableErr
}

// anchor exists only so its funcval has a stable address in the main
// executable. Anchored tokens are offsets from it.
func anchor() {}

func anchorAddr() uintptr {
	f := anchor
	return *(*uintptr)(unsafe.Pointer(&f))
}

// FuncvalAddr extracts the funcval pointer from a function value. The
// argument must be a non-nil func; anything else fails with
// ErrNotStatic.
func FuncvalAddr(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, fmt.Errorf("%w: got %T", ErrNotStatic, fn)
	}
	type iface struct {
		typ  unsafe.Pointer
		data unsafe.Pointer
	}
	return uintptr((*iface)(unsafe.Pointer(&fn)).data), nil
}

// Tokenize converts a funcval address into a wire token.
//
// In validated mode the address must fall inside a file-backed mapped
// object; the token records the object identity plus the offset from
// its base. In anchored mode the token is the signed distance from the
// anchor symbol, which is only sound for functions in the main
// executable and requires the caller to have attested to that.
func Tokenize(fv uintptr, anchored bool) (wire.Token, error) {
	if anchored {
		return wire.Token{
			Anchored: true,
			Offset:   int64(fv) - int64(anchorAddr()),
		}, nil
	}
	tbl, err := mappings()
	if err != nil {
		if errors.Is(err, loadobj.ErrUnsupported) {
			return wire.Token{}, ErrEnumerationUnavailable
		}
		return wire.Token{}, err
	}
	obj := tbl.ObjectOf(fv)
	if obj == nil {
		// Heap-resident funcval: a closure with captured state or a
		// method value. Neither can be reconstructed remotely.
		return wire.Token{}, ErrNotStatic
	}
	return wire.Token{
		Object: obj.Path,
		Dev:    obj.Dev,
		Inode:  obj.Inode,
		Offset: int64(fv - uintptr(obj.Base)),
	}, nil
}

// Resolve converts a token back into a funcval address in this
// process.
func Resolve(tok wire.Token) (uintptr, error) {
	if tok.Anchored {
		return uintptr(int64(anchorAddr()) + tok.Offset), nil
	}
	tbl, err := mappings()
	if err != nil {
		if errors.Is(err, loadobj.ErrUnsupported) {
			return 0, ErrEnumerationUnavailable
		}
		return 0, err
	}
	obj := tbl.Lookup(tok.Object, tok.Dev, tok.Inode)
	if obj == nil {
		return 0, fmt.Errorf("%w: %s", ErrLibraryMissing, tok.Object)
	}
	addr := uintptr(int64(obj.Base) + tok.Offset)
	if !obj.Contains(addr) {
		return 0, fmt.Errorf("%w: offset %#x outside %s", ErrLibraryMissing, tok.Offset, tok.Object)
	}
	return addr, nil
}

// FuncFromAddr rebuilds a func value of type F from a funcval address
// produced by Resolve. F must match the original signature; tokens and
// type fingerprints enforce that before this is ever called.
func FuncFromAddr[F any](addr uintptr) F {
	p := addr
	return *(*F)(unsafe.Pointer(&p))
}
