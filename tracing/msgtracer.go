// Package tracing records what happens to ports and messages on a node.
package tracing

import (
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/ports/datarecording"
	"github.com/sarchlab/ports/hooking"
	"github.com/sarchlab/ports/ports"
)

// TableName is the table MsgTracers write into.
const TableName = "port_trace"

// MsgTraceEntry is one row of a port trace.
type MsgTraceEntry struct {
	Time        int64
	Node        string
	Port        string
	Event       string
	SequenceNum uint64
	Bytes       int
	Ports       int
	Detail      string
}

// MapTables prepares a reader for querying traces.
func MapTables(reader datarecording.DataReader) {
	reader.MapTable(TableName, MsgTraceEntry{})
}

// A NamedHookable is a hookable node.
type NamedHookable interface {
	hooking.Hookable
	Name() ports.NodeName
}

// MsgTracer is a hook that records port and message lifecycle events of the
// nodes it is attached to.
type MsgTracer struct {
	recorder datarecording.DataRecorder
	now      func() time.Time

	lock      sync.Mutex
	tracing   bool
	collected map[ports.NodeName]bool
}

// NewMsgTracer creates a MsgTracer and its table. The tracer starts
// tracing right away.
func NewMsgTracer(recorder datarecording.DataRecorder) *MsgTracer {
	recorder.CreateTable(TableName, MsgTraceEntry{})

	return &MsgTracer{
		recorder:  recorder,
		now:       time.Now,
		tracing:   true,
		collected: make(map[ports.NodeName]bool),
	}
}

// CollectTrace attaches the tracer to a node.
func (t *MsgTracer) CollectTrace(domain NamedHookable) {
	t.lock.Lock()
	if t.collected[domain.Name()] {
		t.lock.Unlock()
		panic(fmt.Sprintf("node %s is already traced", domain.Name()))
	}

	t.collected[domain.Name()] = true
	t.lock.Unlock()

	domain.AcceptHook(t)
}

// StartTracing resumes recording.
func (t *MsgTracer) StartTracing() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.tracing = true
}

// StopTracing pauses recording. Hooks keep firing but nothing is recorded.
func (t *MsgTracer) StopTracing() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.tracing = false
}

// IsTracing tells whether events are being recorded.
func (t *MsgTracer) IsTracing() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tracing
}

// Func records the hook context as a trace row.
func (t *MsgTracer) Func(ctx hooking.HookCtx) {
	if !t.IsTracing() {
		return
	}

	entry, ok := t.entryFor(ctx)
	if !ok {
		return
	}

	if node, isNamed := ctx.Domain.(NamedHookable); isNamed {
		entry.Node = node.Name().String()
	}

	entry.Time = t.now().UnixNano()
	entry.Event = ctx.Pos.Name

	t.recorder.InsertData(TableName, entry)
}

func (t *MsgTracer) entryFor(ctx hooking.HookCtx) (MsgTraceEntry, bool) {
	switch ctx.Pos {
	case ports.HookPosMsgSent,
		ports.HookPosMsgAccepted,
		ports.HookPosMsgRetrieved:
		msg := ctx.Item.(*ports.Message)

		return MsgTraceEntry{
			Port:        ctx.Detail.(ports.PortName).String(),
			SequenceNum: msg.SequenceNum(),
			Bytes:       msg.NumBytes(),
			Ports:       len(msg.Ports),
		}, true
	case ports.HookPosPortCreated,
		ports.HookPosPortClosed,
		ports.HookPosProxyRemoved:
		return MsgTraceEntry{
			Port: ctx.Item.(ports.PortName).String(),
		}, true
	case ports.HookPosEventDropped:
		event := ctx.Item.(ports.Event)
		entry := MsgTraceEntry{
			Port:   event.TargetPort().String(),
			Detail: event.Type().String(),
		}

		if um, ok := event.(*ports.UserMessageEvent); ok && um.Message != nil {
			entry.SequenceNum = um.Message.SequenceNum()
			entry.Bytes = um.Message.NumBytes()
			entry.Ports = len(um.Message.Ports)
		}

		if reason, ok := ctx.Detail.(error); ok {
			entry.Detail += ": " + reason.Error()
		}

		return entry, true
	default:
		return MsgTraceEntry{}, false
	}
}
