package sparseindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// WriteShard writes records as newline-delimited JSON, one PackageRecord
// per line, the wire format spec.md §6 describes for shard bodies.
func WriteShard(w io.Writer, records []conda.PackageRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("sparseindex: encoding shard record: %w", err)
		}
	}
	return nil
}

// ReadShard parses a shard body as newline-delimited JSON PackageRecords.
// Blank lines are skipped. A malformed line is an encoding error.
func ReadShard(r io.Reader) ([]conda.PackageRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var records []conda.PackageRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec conda.PackageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("sparseindex: parsing shard line: %w: %v", conda.ErrEncoding, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sparseindex: reading shard: %w", err)
	}
	return records, nil
}
