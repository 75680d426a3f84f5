package model

import "fmt"

// Source identifies where an EventFrame came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceEnd    Source = "end"
)

// ProcessInvocation is everything needed to start one analysis process.
type ProcessInvocation struct {
	ID      string
	Runner  string
	Program string
	Args    []string
	Dir     string
	Env     []string
}

// String renders the command line for logs.
func (p *ProcessInvocation) String() string {
	return fmt.Sprintf("%s %v", p.Program, p.Args)
}

// EventFrame is one unit pushed to a streaming client.
// ExitCode is only meaningful when Source is SourceEnd.
type EventFrame struct {
	Source   Source
	Line     string
	ExitCode int
}

// Output returns a stdout frame.
func Output(line string) EventFrame { return EventFrame{Source: SourceStdout, Line: line} }

// Diagnostic returns a stderr frame.
func Diagnostic(line string) EventFrame { return EventFrame{Source: SourceStderr, Line: line} }

// End returns the terminal frame.
func End(code int) EventFrame { return EventFrame{Source: SourceEnd, ExitCode: code} }
