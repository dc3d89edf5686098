// Package historystub is a minimal implementation of spec.md's history
// component: it keeps the last N print-job records via the database
// facade, giving printstate.Derive (spec.md §4.11) a concrete consumer
// beyond "observed, not owned".
package historystub

import (
	"context"
	"sort"
	"time"

	"github.com/moonbridge/moonbridge/internal/printstate"
	"github.com/moonbridge/moonbridge/internal/server"
)

const namespace = "history"

// maxRecords bounds how many job records are retained before the oldest
// is evicted, keeping the namespace small for the common single-file
// sqlite backend.
const maxRecords = 50

// JobRecord is one retained print-job record.
type JobRecord struct {
	Filename  string    `json:"filename"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Status    string    `json:"status"`
}

// Component tracks the currently running job and appends a finished
// record to the database facade on every print-finish event.
type Component struct {
	ctx     *server.Context
	current *JobRecord
}

// New builds an unattached history component; Init wires it to the
// event bus and database facade.
func New() *Component { return &Component{} }

func (c *Component) Name() string { return "history" }

// Init subscribes to print-state events on the event bus. The history
// component is optional: a failure here does not abort startup.
func (c *Component) Init(ctx *server.Context) error {
	c.ctx = ctx
	ctx.Database().RegisterLocalNamespace(namespace)

	ctx.EventBus().RegisterHandler("server:print_start", func(args ...any) {
		var filename string
		if len(args) > 0 {
			filename, _ = args[0].(string)
		}
		c.current = &JobRecord{Filename: filename, StartTime: time.Now(), Status: "in_progress"}
	})
	ctx.EventBus().RegisterHandler("server:print_finish", func(args ...any) {
		if c.current == nil {
			return
		}
		reason, _ := args[0].(string)
		c.current.EndTime = time.Now()
		c.current.Status = reason
		c.persist(c.current)
		c.current = nil
	})

	return nil
}

func (c *Component) persist(record *JobRecord) {
	key := record.StartTime.Format(time.RFC3339Nano)
	_ = c.ctx.Database().InsertItem(context.Background(), namespace, key, record)
	c.pruneOldest()
}

func (c *Component) pruneOldest() {
	ctx := context.Background()
	keys, err := c.ctx.Database().NamespaceKeys(ctx, namespace)
	if err != nil || len(keys) <= maxRecords {
		return
	}
	// Keys are RFC3339Nano timestamps, so lexicographic order is
	// chronological order; drop the oldest excess entries.
	sort.Strings(keys)
	excess := len(keys) - maxRecords
	for _, oldest := range keys[:excess] {
		_, _ = c.ctx.Database().Pop(ctx, namespace, oldest)
	}
}

// EmitPrintStateEvents publishes the events printstate.Derive returns
// onto the event bus, bridging the pure derivation function to the
// stateful event bus both this component and clients observe.
func EmitPrintStateEvents(ctx *server.Context, events []printstate.Event) {
	for _, e := range events {
		switch e.Kind {
		case printstate.EventStart:
			ctx.EventBus().Emit("server:print_start")
		case printstate.EventPause:
			ctx.EventBus().Emit("server:print_pause")
		case printstate.EventResume:
			ctx.EventBus().Emit("server:print_resume")
		case printstate.EventCancel, printstate.EventFinish:
			ctx.EventBus().Emit("server:print_finish", e.Reason)
		}
	}
}
