package ledger

import (
	"fmt"

	"github.com/atmx/lending-engine/internal/model"
)

// Env is one invocation frame inside a transaction: the component running
// (Self) and the address that invoked it (Invoker). Nested component calls
// get a new frame through Call.
type Env struct {
	tx      *Tx
	self    model.Address
	invoker model.Address
}

// As returns the top-level frame of an external account acting in tx.
func (tx *Tx) As(account model.Address) *Env {
	return &Env{tx: tx, self: account, invoker: account}
}

// Tx returns the enclosing transaction.
func (e *Env) Tx() *Tx { return e.tx }

// Self is the address of the component executing in this frame.
func (e *Env) Self() model.Address { return e.self }

// Invoker is the address that called into this frame.
func (e *Env) Invoker() model.Address { return e.invoker }

// Call returns the frame for invoking callee from this frame.
func (e *Env) Call(callee model.Address) *Env {
	return &Env{tx: e.tx, self: callee, invoker: e.self}
}

// RequireAuth succeeds when addr invoked this frame directly or signed
// the transaction.
func (e *Env) RequireAuth(addr model.Address) error {
	if addr != "" && (addr == e.invoker || e.tx.Signed(addr)) {
		return nil
	}
	return fmt.Errorf("%w: %s in %s", model.ErrNotAuthorized, addr, e.self)
}
