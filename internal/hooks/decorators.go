package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dativo-io/pmframework/internal/trigger"
)

// Operation is an agent operation in progress, started by Begin.
type Operation struct {
	h         *Hooks
	ctx       context.Context
	hc        HookContext
	agentType string
	start     time.Time

	once   sync.Once
	result trigger.Result
}

// Begin starts timing an agent operation. Call End exactly once when it
// finishes; later calls return the first result.
func (h *Hooks) Begin(ctx context.Context, hc HookContext, agentType string) *Operation {
	return &Operation{h: h, ctx: ctx, hc: hc, agentType: agentType, start: h.now()}
}

// End fires AgentOperationCompleted with the outcome of err and the elapsed
// time since Begin.
func (op *Operation) End(err error) trigger.Result {
	op.once.Do(func() {
		p := AgentOperationParams{
			AgentType: op.agentType,
			Operation: op.hc.Operation,
			Success:   err == nil,
			Duration:  op.h.now().Sub(op.start),
		}
		if err != nil {
			p.Error = err.Error()
		}
		op.result = op.h.AgentOperationCompleted(op.ctx, op.hc, p)
	})
	return op.result
}

// Track runs fn as an agent operation and records its outcome. fn's error
// is returned unchanged; a panic is recorded as a failure and re-raised.
func (h *Hooks) Track(ctx context.Context, hc HookContext, agentType string, fn func(context.Context) error) error {
	op := h.Begin(ctx, hc, agentType)
	defer func() {
		if r := recover(); r != nil {
			op.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err := fn(ctx)
	op.End(err)
	return err
}
