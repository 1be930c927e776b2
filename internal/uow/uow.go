// Package uow runs multi-store writes as a single unit of work.
//
// Services wrap every state transition in Runner.Do. Stores look up the
// active unit from the context: the SQL backend through Conn, the memory
// backend through OnRollback. A Do call made inside another Do joins the
// outer unit instead of starting a new one, so an order transition and the
// escrow entry it creates commit or roll back together.
package uow

import "context"

// Runner executes fn as one atomic unit of work.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type hooksKey struct{}

type hooks struct {
	fns []func()
}

// AfterCommit schedules fn to run once the outermost unit bound to ctx has
// committed. It is dropped if the unit fails. Outside a unit fn runs now.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}

func withHooks(ctx context.Context) (context.Context, *hooks) {
	h := &hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

func (h *hooks) run() {
	for _, fn := range h.fns {
		fn()
	}
}
