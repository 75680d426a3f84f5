// Package sse encodes and decodes text/event-stream frames.
package sse

import (
	"strconv"

	"finbridge/internal/model"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// KeepAlive is the comment frame sent while a stream is idle.
var KeepAlive = []byte(":keep-alive\n\n")

// StderrPrefix marks lines that came from the process's error stream.
const StderrPrefix = "[stderr] "

// Data encodes a single-line data frame.
func Data(line string) []byte {
	b := make([]byte, 0, len(line)+8)
	b = append(b, "data: "...)
	b = append(b, line...)
	return append(b, "\n\n"...)
}

// Event encodes a named event with a single data line.
func Event(name, data string) []byte {
	b := make([]byte, 0, len(name)+len(data)+16)
	b = append(b, "event: "...)
	b = append(b, name...)
	b = append(b, "\ndata: "...)
	b = append(b, data...)
	return append(b, "\n\n"...)
}

// EndMessage is the data carried by the terminal frame.
func EndMessage(code int) string {
	return "程式結束 (code=" + strconv.Itoa(code) + ")"
}

// Encode renders a runner frame in wire form.
func Encode(f model.EventFrame) []byte {
	switch f.Source {
	case model.SourceStderr:
		return Data(StderrPrefix + f.Line)
	case model.SourceEnd:
		return Event("end", EndMessage(f.ExitCode))
	default:
		return Data(f.Line)
	}
}
