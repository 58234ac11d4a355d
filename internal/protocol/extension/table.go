// Package extension implements the negotiated extension sub-protocol: the
// extended handshake, the per-connection name/id tables and routing of
// extended frames to named codecs.
package extension

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidTable = errors.New("extension: invalid table")

// Table is an immutable extension-name to id mapping. Ids are 1..255.
type Table struct {
	byName map[string]uint8
	byID   map[uint8]string
}

// NewTable validates m. Entries mapped to 0 are treated as disabled and
// omitted; two names may not share an id.
func NewTable(m map[string]int) (Table, error) {
	t := Table{
		byName: make(map[string]uint8, len(m)),
		byID:   make(map[uint8]string, len(m)),
	}
	for name, id := range m {
		if name == "" {
			return Table{}, fmt.Errorf("%w: empty extension name", ErrInvalidTable)
		}
		if id == 0 {
			continue
		}
		if id < 0 || id > 255 {
			return Table{}, fmt.Errorf("%w: %s=%d outside 1..255", ErrInvalidTable, name, id)
		}
		if other, dup := t.byID[uint8(id)]; dup {
			return Table{}, fmt.Errorf("%w: %s and %s both use id %d", ErrInvalidTable, other, name, id)
		}
		t.byName[name] = uint8(id)
		t.byID[uint8(id)] = name
	}
	return t, nil
}

// remoteTable keeps every usable entry of a peer-advertised mapping. Only
// name to id lookups are made against it, so shared ids are tolerated.
func remoteTable(m map[string]int) Table {
	t := Table{
		byName: make(map[string]uint8, len(m)),
		byID:   make(map[uint8]string, len(m)),
	}
	for name, id := range m {
		if name == "" || id < 1 || id > 255 {
			continue
		}
		t.byName[name] = uint8(id)
		if _, dup := t.byID[uint8(id)]; !dup {
			t.byID[uint8(id)] = name
		}
	}
	return t
}

// ID returns the id assigned to name.
func (t Table) ID(name string) (uint8, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the extension assigned to id.
func (t Table) Name(id uint8) (string, bool) {
	name, ok := t.byID[id]
	return name, ok
}

// Names returns the extension names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the mapping.
func (t Table) Map() map[string]int {
	out := make(map[string]int, len(t.byName))
	for name, id := range t.byName {
		out[name] = int(id)
	}
	return out
}

func (t Table) Len() int {
	return len(t.byName)
}
