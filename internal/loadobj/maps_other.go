//go:build !linux

package loadobj

// Read reports ErrUnsupported. Callers fall back to anchor-relative
// tokens, which require the caller to attest that only main-executable
// functions are spawned.
func Read() (*Table, error) {
	return nil, ErrUnsupported
}
