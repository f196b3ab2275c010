// Package base decodes the parts of pebble's write-ahead log that the WAL
// replicator ships between nodes: batch headers, entry kinds and log file
// names.
package base

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/redact"
)

// SeqNum is the sequence number pebble assigns to each entry of a
// committed batch. A batch of n entries committed at s uses s through
// s+n-1.
type SeqNum uint64

const (
	// SeqNumStart is the first sequence number pebble assigns to a key.
	SeqNumStart SeqNum = 10
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// Entry kinds as pebble writes them to a batch.
const (
	kindDelete        = 0
	kindSet           = 1
	kindLogData       = 3
	kindSingleDelete  = 7
	kindSetWithDelete = 18
	kindDeleteSized   = 23
)

// Op is what a replicated WAL entry does to its key.
type Op uint8

const (
	OpDelete Op = iota
	OpPut
)

var opNames = []string{
	OpDelete: "delete",
	OpPut:    "put",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(op))
}

// SafeFormat implements redact.SafeFormatter.
func (op Op) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(op.String()))
}

// OpForKind maps a batch entry kind to the operation a follower replays.
// ok is false for kinds that carry no key mutation, such as LOGDATA, and
// for kinds the store never writes.
func OpForKind(kind uint8) (op Op, ok bool) {
	switch kind {
	case kindSet, kindSetWithDelete:
		return OpPut, true
	case kindDelete, kindSingleDelete, kindDeleteSized:
		return OpDelete, true
	}
	return 0, false
}

// ConsumesSeqNum reports whether an entry of kind is assigned a sequence
// number. LOGDATA entries are not.
func ConsumesSeqNum(kind uint8) bool {
	return kind != kindLogData
}

// BatchHeaderLen is the size of the header that starts every batch: the
// batch sequence number followed by the entry count, little-endian.
const BatchHeaderLen = 12

// BatchHeader is the decoded header of a batch read from the log.
type BatchHeader struct {
	SeqNum SeqNum
	Count  uint32
}

// DecodeBatchHeader decodes the header of repr. ok is false if repr is too
// short to hold one.
func DecodeBatchHeader(repr []byte) (h BatchHeader, ok bool) {
	if len(repr) < BatchHeaderLen {
		return BatchHeader{}, false
	}
	h.SeqNum = SeqNum(binary.LittleEndian.Uint64(repr[:8]))
	h.Count = binary.LittleEndian.Uint32(repr[8:BatchHeaderLen])
	return h, true
}

// End returns the sequence number following the batch.
func (h BatchHeader) End() SeqNum {
	return h.SeqNum + SeqNum(h.Count)
}

// ParseLogFilename returns the file number of a WAL file name such as
// "000012.log".
func ParseLogFilename(path string) (uint64, bool) {
	name := filepath.Base(path)
	num, ok := strings.CutSuffix(name, ".log")
	if !ok || num == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
