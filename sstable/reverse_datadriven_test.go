package sstable

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/coreshard/coreshard/internal/base"
)

// TestReverseDataDriven exercises the reverse codec against small
// partitions described in testdata/reverse, in the same
// build-partition-then-assert-on-emitted-order style as pebble's
// sstable/reader_test.go datadriven scripts.
func TestReverseDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/reverse", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "build-and-reverse":
			var entries []UnfilteredEntry
			for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				fields := strings.Fields(line)
				switch fields[0] {
				case "row":
					v, _ := strconv.ParseInt(fields[1], 10, 64)
					entries = append(entries, UnfilteredEntry{Row: base.ClusteringRow{
						Key:   ck(v),
						Cells: []base.Cell{{Column: 0, Value: intBytes(v)}},
					}})
				case "tombstone":
					v, _ := strconv.ParseInt(fields[2], 10, 64)
					var kind base.BoundKind
					switch fields[1] {
					case "incl_start":
						kind = base.BoundInclStart
					case "incl_end":
						kind = base.BoundInclEnd
					case "excl_start":
						kind = base.BoundExclStart
					case "excl_end":
						kind = base.BoundExclEnd
					}
					entries = append(entries, UnfilteredEntry{IsTombstone: true, Tombstone: base.RangeTombstoneMarker{
						Kind: kind, Key: ck(v),
						DeletionTimes: [2]base.DeletionTime{{MarkedForDeleteAt: 1, LocalDeletionTime: 1}},
					}})
				}
			}
			pb, headerLen, crs := buildPartitionTD(entries)
			idx := NewFixedIndexReader(pb.Size())
			src, err := NewReverseDataSource(pb, idx, headerLen, crs)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			var sb strings.Builder
			for {
				b, err := src.Next()
				if err != nil {
					break
				}
				if b.Record == nil {
					sb.WriteString("eop\n")
					continue
				}
				if b.Record.body.isTombstone {
					fmt.Fprintf(&sb, "tombstone %s %d\n", kindName(b.Record.body.tombstone.Kind), keyInt(b.Record.body.tombstone.Key))
				} else {
					fmt.Fprintf(&sb, "row %d\n", keyInt(b.Record.body.row.Key))
				}
			}
			return sb.String()
		default:
			return fmt.Sprintf("unknown command: %s", d.Cmd)
		}
	})
}

func buildPartitionTD(entries []UnfilteredEntry) (PartitionBytes, int64, int64) {
	header := PartitionHeader{Key: base.NewPartitionKey([]byte("p1"))}
	data, headerLen, crs := WritePartition(header, entries)
	return NewPartitionBytes(data), headerLen, crs
}

func kindName(k base.BoundKind) string {
	switch k {
	case base.BoundInclStart:
		return "incl_start"
	case base.BoundInclEnd:
		return "incl_end"
	case base.BoundExclStart:
		return "excl_start"
	case base.BoundExclEnd:
		return "excl_end"
	case base.BoundaryInclEndExclStart:
		return "boundary_incl_end_excl_start"
	case base.BoundaryExclEndInclStart:
		return "boundary_excl_end_incl_start"
	default:
		return "unknown"
	}
}
