package finetune

import (
	"fmt"
	"log/slog"
)

// ErrorHandler receives asynchronous, non-fatal engine errors: monitor check
// failures, crossfade fallbacks, slow control operations. Nothing routed
// through it terminates the process.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through slog.
type DefaultErrorHandler struct {
	Log *slog.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error("engine error", "err", err)
}

// FuncErrorHandler adapts a plain function to ErrorHandler.
type FuncErrorHandler func(error)

// HandleError implements ErrorHandler.
func (h FuncErrorHandler) HandleError(err error) {
	h(err)
}

// PanicErrorHandler panics on any error. Useful in development and tests.
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}
