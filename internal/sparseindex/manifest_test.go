package sparseindex

import (
	"bytes"
	"testing"
)

func TestNamesManifestRoundTrip(t *testing.T) {
	entries := []NameEntry{
		{Name: "python", Digest: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Name: "libc", Digest: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		{Name: "openssl", Digest: [8]byte{}},
	}

	var buf bytes.Buffer
	if err := WriteNamesManifest(&buf, entries); err != nil {
		t.Fatalf("WriteNamesManifest: %v", err)
	}

	got, err := ReadNamesManifest(&buf)
	if err != nil {
		t.Fatalf("ReadNamesManifest: %v", err)
	}
	if len(got.Entries) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got.Entries), len(entries))
	}
	for i, e := range entries {
		if got.Entries[i] != e {
			t.Fatalf("entry %d = %+v, want %+v", i, got.Entries[i], e)
		}
	}
	if !got.Contains("python") || !got.Contains("libc") {
		t.Fatal("expected manifest to contain python and libc")
	}
	if got.Contains("does-not-exist") {
		t.Fatal("unexpected name present")
	}
	d, ok := got.Digest("python")
	if !ok || d != entries[0].Digest {
		t.Fatalf("digest mismatch: got %v ok=%v", d, ok)
	}
}

func TestNamesManifestBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOPE\x01\x00")
	if _, err := ReadNamesManifest(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestNamesManifestBadVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(namesMagic)
	buf.Write([]byte{2, 0}) // version 2, little-endian
	if _, err := ReadNamesManifest(&buf); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestDependenciesManifestRoundTrip(t *testing.T) {
	deps := map[string][]string{
		"python": {"libc", "openssl", "zlib"},
		"libc":   nil,
	}
	order := []string{"python", "libc"}

	var buf bytes.Buffer
	if err := WriteDependenciesManifest(&buf, deps, order); err != nil {
		t.Fatalf("WriteDependenciesManifest: %v", err)
	}

	got, err := ReadDependenciesManifest(&buf)
	if err != nil {
		t.Fatalf("ReadDependenciesManifest: %v", err)
	}
	if len(got.Hints("python")) != 3 {
		t.Fatalf("expected 3 hints for python, got %v", got.Hints("python"))
	}
	if got.Hints("libc") != nil {
		t.Fatalf("expected no hints for libc, got %v", got.Hints("libc"))
	}
	if got.Hints("unknown") != nil {
		t.Fatal("expected nil hints for unknown package")
	}
}

func TestDependenciesManifestBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX\x01\x00")
	if _, err := ReadDependenciesManifest(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
