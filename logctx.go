package mcp

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that decorates records with the session and JSON-RPC call
// carried by the context. Wrap the handler of the logger given to the components with it to
// get "sess" and "rpc" groups on every record logged while serving a request.
type LogHandler struct {
	slog.Handler
}

type sessionLogKey struct{}

type rpcLogKey struct{}

type sessionLogData struct {
	id string
}

type rpcLogData struct {
	id     string
	method string
}

// Handle implements slog.Handler.
func (h LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionLogKey{}).(sessionLogData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.id),
		))
	}

	if rd, ok := ctx.Value(rpcLogKey{}).(rpcLogData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rd.method),
			slog.String("id", rd.id),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return LogHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h LogHandler) WithGroup(name string) slog.Handler {
	return LogHandler{Handler: h.Handler.WithGroup(name)}
}

func withSessionLog(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionLogKey{}, sessionLogData{id: sessionID})
}

func withRPCLog(ctx context.Context, msg JSONRPCMessage) context.Context {
	return context.WithValue(ctx, rpcLogKey{}, rpcLogData{id: string(msg.ID), method: msg.Method})
}
