package sparseindex

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

const (
	namesMagic = "NAME"
	depsMagic  = "DEPS"
	version1   = uint16(1)
	// digestLen is the width of the truncated shard-hash prefix stored in
	// a NamesManifest entry (spec.md §3: "8-byte prefix of SHA-256").
	digestLen = 8
)

// NameEntry is one record of a NamesManifest: a package name and the
// 8-byte prefix of its shard body's SHA-256 hash.
type NameEntry struct {
	Name   string
	Digest [digestLen]byte
}

// NamesManifest is the required remote-subdir sidecar listing every
// package name present, each with a short content digest of its shard.
type NamesManifest struct {
	Entries []NameEntry
	byName  map[string]int
}

// Contains reports whether name is present in the manifest.
func (m *NamesManifest) Contains(name string) bool {
	_, ok := m.index()[name]
	return ok
}

// Digest returns the stored digest prefix for name, if present.
func (m *NamesManifest) Digest(name string) ([digestLen]byte, bool) {
	idx, ok := m.index()[name]
	if !ok {
		return [digestLen]byte{}, false
	}
	return m.Entries[idx].Digest, true
}

func (m *NamesManifest) index() map[string]int {
	if m.byName != nil {
		return m.byName
	}
	m.byName = make(map[string]int, len(m.Entries))
	for i, e := range m.Entries {
		m.byName[e.Name] = i
	}
	return m.byName
}

// WriteNamesManifest serializes a NamesManifest to the bit-exact binary
// format in spec.md §6.
func WriteNamesManifest(w io.Writer, entries []NameEntry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(namesMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, version1); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeNulTerminated(bw, e.Name); err != nil {
			return err
		}
		if _, err := bw.Write(e.Digest[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadNamesManifest parses the bit-exact binary format in spec.md §6.
// Parsing is strict: wrong magic or wrong version is an encoding error.
func ReadNamesManifest(r io.Reader) (*NamesManifest, error) {
	br := bufio.NewReader(r)
	if err := expectMagic(br, namesMagic); err != nil {
		return nil, err
	}
	if err := expectVersion(br); err != nil {
		return nil, err
	}

	m := &NamesManifest{}
	for {
		name, err := readNulTerminated(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sparseindex: names manifest: %w: %v", conda.ErrEncoding, err)
		}
		var digest [digestLen]byte
		if _, err := io.ReadFull(br, digest[:]); err != nil {
			return nil, fmt.Errorf("sparseindex: names manifest: truncated digest: %w", conda.ErrEncoding)
		}
		m.Entries = append(m.Entries, NameEntry{Name: name, Digest: digest})
	}
	return m, nil
}

// DependenciesManifest is the optional remote-subdir sidecar listing, per
// package name, the union of dependency names across its shard.
type DependenciesManifest struct {
	// DepsByName maps a package name to the distinct dependency names its
	// shard's records declare.
	DepsByName map[string][]string
}

// Hints returns the prefetch hints for name, or nil if absent.
func (m *DependenciesManifest) Hints(name string) []string {
	if m == nil {
		return nil
	}
	return m.DepsByName[name]
}

// WriteDependenciesManifest serializes to the bit-exact binary format in
// spec.md §6: magic, version, then per entry a NUL-terminated name
// followed by NUL-terminated dep names and an empty-NUL terminator.
func WriteDependenciesManifest(w io.Writer, depsByName map[string][]string, order []string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(depsMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, version1); err != nil {
		return err
	}
	for _, name := range order {
		if err := writeNulTerminated(bw, name); err != nil {
			return err
		}
		for _, dep := range depsByName[name] {
			if err := writeNulTerminated(bw, dep); err != nil {
				return err
			}
		}
		if err := bw.WriteByte(0); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadDependenciesManifest parses the bit-exact binary format in spec.md
// §6. Parsing is strict: wrong magic or version is an encoding error.
func ReadDependenciesManifest(r io.Reader) (*DependenciesManifest, error) {
	br := bufio.NewReader(r)
	if err := expectMagic(br, depsMagic); err != nil {
		return nil, err
	}
	if err := expectVersion(br); err != nil {
		return nil, err
	}

	m := &DependenciesManifest{DepsByName: map[string][]string{}}
	for {
		name, err := readNulTerminated(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sparseindex: deps manifest: %w: %v", conda.ErrEncoding, err)
		}
		var deps []string
		for {
			dep, err := readNulTerminated(br)
			if err != nil {
				return nil, fmt.Errorf("sparseindex: deps manifest: truncated entry: %w", conda.ErrEncoding)
			}
			if dep == "" {
				break
			}
			deps = append(deps, dep)
		}
		m.DepsByName[name] = deps
	}
	return m, nil
}

func expectMagic(r *bufio.Reader, want string) error {
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("sparseindex: reading magic: %w: %v", conda.ErrEncoding, err)
	}
	if !bytes.Equal(buf, []byte(want)) {
		return fmt.Errorf("sparseindex: bad magic %q, want %q: %w", buf, want, conda.ErrEncoding)
	}
	return nil
}

func expectVersion(r *bufio.Reader) error {
	var v uint16
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return fmt.Errorf("sparseindex: reading version: %w: %v", conda.ErrEncoding, err)
	}
	if v != version1 {
		return fmt.Errorf("sparseindex: unsupported manifest version %d: %w", v, conda.ErrEncoding)
	}
	return nil
}

func writeNulTerminated(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

// readNulTerminated reads bytes up to and including the next NUL byte and
// returns the string without the terminator. Returns io.EOF if the reader
// is exhausted before any byte is read.
func readNulTerminated(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		if err == io.EOF && s == "" {
			return "", io.EOF
		}
		return "", err
	}
	return s[:len(s)-1], nil
}
