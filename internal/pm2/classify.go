// Package pm2 recognises the records PM2 publishes on its event bus and
// pulls out the fields needed to correlate memory restarts.
//
// Records are matched by substring containment rather than full decoding:
// the bus delivers arbitrarily framed chunks and a read may hold a fragment
// of a record, several records, or none.
package pm2

import "strings"

const (
	logEventMarker     = "s:log:PM2"
	processEventMarker = "s:process:event"
	memoryRestartMark  = "restarted because it exceeds --max-memory-restart"
	onlineMarker       = `"event":"online"`
)

// Kind is a set of record kinds found in a chunk.
type Kind uint8

const (
	KindLog Kind = 1 << iota
	KindProcess
)

const KindUnrecognized Kind = 0

func (k Kind) Has(other Kind) bool {
	return other != KindUnrecognized && k&other == other
}

func (k Kind) String() string {
	switch k {
	case KindUnrecognized:
		return "unrecognized"
	case KindLog:
		return "log"
	case KindProcess:
		return "process"
	case KindLog | KindProcess:
		return "log+process"
	default:
		return "invalid"
	}
}

// Classify reports which record markers the chunk contains. Both may be
// present.
func Classify(chunk string) Kind {
	kind := KindUnrecognized
	if strings.Contains(chunk, logEventMarker) {
		kind |= KindLog
	}
	if strings.Contains(chunk, processEventMarker) {
		kind |= KindProcess
	}
	return kind
}

// IsMemoryRestart reports whether a log chunk announces a kill for exceeding
// --max-memory-restart.
func IsMemoryRestart(chunk string) bool {
	return strings.Contains(chunk, memoryRestartMark)
}

// IsOnline reports whether a process chunk carries the online status.
func IsOnline(chunk string) bool {
	return strings.Contains(chunk, onlineMarker)
}
