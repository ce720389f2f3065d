package datarecording

import (
	"os"
	"strings"
	"sync"
	"time"
)

// ExecInfoTable is the table that describes the process that produced a
// recording.
const ExecInfoTable = "exec_info"

// ExecInfo is one property of the recording process.
type ExecInfo struct {
	Property string
	Value    string
}

const timeLayout = "2006-01-02 15:04:05.000000000"

// execRecorder records when and how the process ran.
type execRecorder struct {
	recorder DataRecorder
	entries  []ExecInfo
	endOnce  sync.Once
}

func newExecRecorder(recorder DataRecorder) *execRecorder {
	e := &execRecorder{recorder: recorder}
	recorder.CreateTable(ExecInfoTable, ExecInfo{})

	return e
}

// Start remembers the start time, the command line and the working
// directory.
func (e *execRecorder) Start() {
	e.entries = append(e.entries,
		ExecInfo{"Start Time", time.Now().Format(timeLayout)},
		ExecInfo{"Command", strings.Join(os.Args, " ")},
	)

	if cwd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, ExecInfo{"Working Directory", cwd})
	}

	if host, err := os.Hostname(); err == nil {
		e.entries = append(e.entries, ExecInfo{"Host", host})
	}
}

// End inserts the remembered properties along with the end time. Only the
// first call has an effect.
func (e *execRecorder) End() {
	e.endOnce.Do(func() {
		for _, entry := range e.entries {
			e.recorder.InsertData(ExecInfoTable, entry)
		}

		e.recorder.InsertData(ExecInfoTable,
			ExecInfo{"End Time", time.Now().Format(timeLayout)})

		e.entries = nil
	})
}
