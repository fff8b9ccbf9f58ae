//go:build linux

package loadobj

import (
	"fmt"
	"os"
)

// Read snapshots the current process's mapping table.
func Read() (*Table, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("loadobj: open maps: %w", err)
	}
	defer f.Close()
	return parse(f)
}
