package rpc

import (
	"errors"
	"fmt"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/knowledge"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/routing"
	"github.com/agenthub/hubd/pkg/wire"
	"github.com/agenthub/hubd/pkg/workflow"
	"github.com/agenthub/hubd/pkg/workspace"
)

// Error is a handler error with an explicit wire kind.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func errValidation(format string, args ...any) *Error {
	return &Error{Kind: wire.KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func errDisabled(component string) *Error {
	return &Error{Kind: wire.KindValidation, Msg: component + " is not enabled"}
}

// errorFrame maps a handler error to the wire error object. Sentinel
// errors from the stores carry their natural kind; everything else is
// unknown.
func errorFrame(requestID string, err error) *wire.ErrorFrame {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return wire.Errorf(requestID, rpcErr.Kind, rpcErr.Msg)
	}
	return wire.Errorf(requestID, kindOf(err), err.Error())
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, board.ErrNotFound),
		errors.Is(err, workflow.ErrRunNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, mailbox.ErrMessageNotFound),
		errors.Is(err, mailbox.ErrHandoffNotFound),
		errors.Is(err, knowledge.ErrNoteNotFound),
		errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, routing.ErrNotFound):
		return wire.KindNotFound
	case board.IsTransitionError(err),
		errors.Is(err, board.ErrEmptyReason),
		errors.Is(err, board.ErrAlreadyExists),
		errors.Is(err, workflow.ErrCycle),
		errors.Is(err, workflow.ErrUnknownDep),
		errors.Is(err, workflow.ErrDuplicateStep),
		errors.Is(err, workspace.ErrOutsideRoot):
		return wire.KindValidation
	case errors.Is(err, board.ErrLockTimeout):
		return wire.KindTimeout
	default:
		return wire.KindUnknown
	}
}
