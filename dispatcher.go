package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// DispatcherOption represents the options for the Dispatcher.
type DispatcherOption func(*Dispatcher)

// Dispatcher routes requests received on the request channel of a session to the Registry,
// and hands the outcome to the SessionManager for delivery on the session's push channel.
//
// Every request is first accepted synchronously: the envelope, the session, the method, the
// params and the capability arguments are validated, so a rejected request never reaches a
// handler. Accepted requests are then executed, and exactly one response is delivered for each
// of them. Notifications are accepted but never answered.
type Dispatcher struct {
	info         Info
	instructions string
	registry     *Registry
	sessions     *SessionManager

	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   *sync.WaitGroup
	closeMu    sync.RWMutex
	closing    bool
	cancels    sync.Map // map[callKey]context.CancelFunc
}

// Call is a request accepted by a Dispatcher and waiting to be executed.
type Call struct {
	SessionID string
	Request   JSONRPCMessage

	// Kind and Target identify the invoked capability. Both are empty for protocol methods.
	Kind   CapabilityKind
	Target string

	args       json.RawMessage
	binding    Binding
	resolveErr error
}

type callKey struct {
	sessionID string
	requestID MustString
}

type promptCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type cancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

var defaultDispatcherSendTimeout = 30 * time.Second

// NewDispatcher creates a Dispatcher serving the capabilities of registry to the sessions
// tracked by sessions. Info is reported to clients during the initialize handshake.
func NewDispatcher(info Info, registry *Registry, sessions *SessionManager, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		info:     info,
		registry: registry,
		sessions: sessions,
		logger:   slog.Default(),
		inflight: &sync.WaitGroup{},
	}
	for _, opt := range options {
		opt(d)
	}
	if d.sendTimeout == 0 {
		d.sendTimeout = defaultDispatcherSendTimeout
	}
	d.baseCtx, d.baseCancel = context.WithCancel(context.Background())

	return d
}

// WithInstructions returns a DispatcherOption that sets the instructions sent to clients in the
// initialize result.
func WithInstructions(instructions string) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// WithDispatcherSendTimeout sets how long the Dispatcher waits for a response to be written to
// the push channel.
func WithDispatcherSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.sendTimeout = timeout
	}
}

// WithDispatcherLogger sets the logger for the Dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "dispatcher"),
		)
	}
}

// WithDispatcherMetrics sets the metrics the Dispatcher reports to.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// Accept validates msg as a request of the session and returns the Call to execute. The error
// is a *Failure: MalformedRequest for a bad envelope, an unknown method, undecodable params,
// invalid arguments or a request id still pending; UnknownSession or SessionClosed for the
// session. An unresolvable capability is not an error here: the Call carries the NotFound
// failure, which Execute delivers on the push channel.
func (d *Dispatcher) Accept(sessionID string, msg JSONRPCMessage) (*Call, error) {
	call, err := d.accept(sessionID, msg)
	if err != nil {
		f := AsFailure(err)
		d.metrics.requestRejected(f.Kind)
		d.logger.Info("rejected request",
			slog.String("sessionID", sessionID),
			slog.String("method", msg.Method),
			slog.String("err", f.Error()))
		return nil, f
	}
	return call, nil
}

// Execute produces the response of an accepted call and delivers it to the call's session. The
// error is ErrChannelUnavailable when the response could not be delivered; it is not retried.
// Notifications are handled and never answered.
func (d *Dispatcher) Execute(ctx context.Context, call *Call) error {
	ctx = withRPCLog(withSessionLog(ctx, call.SessionID), call.Request)

	if call.Request.ID == "" {
		d.handleNotification(ctx, call)
		return nil
	}
	defer d.sessions.endRequest(call.SessionID, call.Request.ID)

	key := callKey{sessionID: call.SessionID, requestID: call.Request.ID}
	handlerCtx, cancel := context.WithCancel(ctx)
	d.cancels.Store(key, cancel)
	defer func() {
		d.cancels.Delete(key)
		cancel()
	}()

	start := time.Now()
	result, err := d.produce(handlerCtx, call)

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      call.Request.ID,
	}
	if err == nil {
		resMsg.Result, err = json.Marshal(result)
		if err != nil {
			err = newFailure(KindHandlerError, "failed to marshal result: %s", err)
		}
	}
	if err != nil {
		f := AsFailure(err)
		d.logger.WarnContext(ctx, "request failed", slog.String("err", f.Error()))
		jErr := f.JSONRPCError()
		resMsg.Result = nil
		resMsg.Error = &jErr
	}
	d.metrics.requestCompleted(call.Request.Method, err != nil, time.Since(start))

	// A cancelled call is still answered.
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer sendCancel()

	if dErr := d.sessions.Deliver(sendCtx, call.SessionID, resMsg); dErr != nil {
		d.metrics.deliveryFailed()
		d.logger.ErrorContext(ctx, "failed to deliver response", slog.String("err", dErr.Error()))
		return fmt.Errorf("failed to deliver response: %w", dErr)
	}
	return nil
}

// Handle accepts msg and executes it before returning, so delivery failures are reported to the
// caller. The handler runs with ctx.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, msg JSONRPCMessage) error {
	call, err := d.admit(sessionID, msg)
	if err != nil {
		return err
	}
	defer d.inflight.Done()

	return d.Execute(ctx, call)
}

// Submit accepts msg and executes it in a new goroutine. Calls submitted for the same session
// run concurrently, and their responses are delivered in completion order. Delivery failures are
// only logged. Handlers run with a context cancelled by Shutdown or by the client's
// notifications/cancelled. Once Shutdown started, requests are rejected with
// ErrChannelUnavailable.
func (d *Dispatcher) Submit(sessionID string, msg JSONRPCMessage) error {
	call, err := d.admit(sessionID, msg)
	if err != nil {
		return err
	}

	go func() {
		defer d.inflight.Done()
		// The error is already logged by Execute.
		_ = d.Execute(d.baseCtx, call)
	}()

	return nil
}

// Notify pushes a notification to the session's push channel.
func (d *Dispatcher) Notify(ctx context.Context, sessionID, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sessions.Deliver(sendCtx, sessionID, msg); err != nil {
		d.metrics.deliveryFailed()
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for the calls in flight to finish, and cancels the
// ones still running when ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeMu.Lock()
	d.closing = true
	d.closeMu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.baseCancel()
		return nil
	case <-ctx.Done():
		d.baseCancel()
		return fmt.Errorf("failed to wait for in-flight calls: %w", ctx.Err())
	}
}

// admit accepts msg and counts the call as in flight, unless the dispatcher is shutting down.
// The caller must call d.inflight.Done once the call was executed.
func (d *Dispatcher) admit(sessionID string, msg JSONRPCMessage) (*Call, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closing {
		return nil, newFailure(KindChannelUnavailable, "dispatcher is shutting down")
	}
	call, err := d.Accept(sessionID, msg)
	if err != nil {
		return nil, err
	}
	d.inflight.Add(1)
	return call, nil
}

func (d *Dispatcher) accept(sessionID string, msg JSONRPCMessage) (*Call, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, newFailure(KindMalformedRequest, "invalid jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Method == "" {
		return nil, newFailure(KindMalformedRequest, "missing method")
	}
	if err := d.sessions.Validate(sessionID); err != nil {
		return nil, err
	}

	call := &Call{
		SessionID: sessionID,
		Request:   msg,
	}

	switch msg.Method {
	case methodNotificationsInitialized, methodNotificationsCancelled:
		if msg.ID != "" {
			return nil, newFailure(KindMalformedRequest, "notification %q must not carry an id", msg.Method)
		}
		if msg.Method == methodNotificationsCancelled {
			var params cancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, newFailure(KindMalformedRequest, "failed to unmarshal params: %s", err)
			}
		}
		return call, nil
	case MethodInitialize:
		var params initializeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, newFailure(KindMalformedRequest, "failed to unmarshal params: %s", err)
		}
		if params.ProtocolVersion != protocolVersion {
			return nil, newFailure(KindMalformedRequest, "protocol version mismatch: %s != %s",
				params.ProtocolVersion, protocolVersion)
		}
	case MethodPing, MethodToolsList, MethodResourcesList, MethodResourcesTemplatesList, MethodPromptsList:
	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, newFailure(KindMalformedRequest, "failed to unmarshal params: %s", err)
		}
		if params.Name == "" {
			return nil, newFailure(KindMalformedRequest, "missing tool name")
		}
		if err := d.resolve(call, CapabilityTool, params.Name, params.Arguments); err != nil {
			return nil, err
		}
	case MethodResourcesRead:
		var params ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, newFailure(KindMalformedRequest, "failed to unmarshal params: %s", err)
		}
		if params.URI == "" {
			return nil, newFailure(KindMalformedRequest, "missing resource uri")
		}
		if err := d.resolve(call, CapabilityResource, params.URI, nil); err != nil {
			return nil, err
		}
	case MethodPromptsGet:
		var params promptCallParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, newFailure(KindMalformedRequest, "failed to unmarshal params: %s", err)
		}
		if params.Name == "" {
			return nil, newFailure(KindMalformedRequest, "missing prompt name")
		}
		if err := d.resolve(call, CapabilityPrompt, params.Name, params.Arguments); err != nil {
			return nil, err
		}
	default:
		return nil, newMethodNotFound(msg.Method)
	}

	if msg.ID == "" {
		return nil, newFailure(KindMalformedRequest, "request %q requires an id", msg.Method)
	}
	if err := d.sessions.beginRequest(sessionID, msg.ID); err != nil {
		return nil, err
	}

	return call, nil
}

// resolve binds the call to its capability. Only argument validation failures are returned;
// a missing capability is kept on the call and answered on the push channel.
func (d *Dispatcher) resolve(call *Call, kind CapabilityKind, target string, args json.RawMessage) error {
	call.Kind = kind
	call.Target = target
	call.args = args

	b, err := d.registry.Resolve(kind, target)
	if err != nil {
		call.resolveErr = err
		return nil
	}
	if err := d.registry.Validate(context.Background(), b, args); err != nil {
		return err
	}
	call.binding = b
	return nil
}

func (d *Dispatcher) produce(ctx context.Context, call *Call) (any, error) {
	if call.resolveErr != nil {
		return nil, call.resolveErr
	}

	switch call.Request.Method {
	case MethodInitialize:
		return initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    d.registry.Capabilities(),
			ServerInfo:      d.info,
			Instructions:    d.instructions,
		}, nil
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return ListToolsResult{Tools: collect(d.registry.Tools())}, nil
	case MethodResourcesList:
		return ListResourcesResult{Resources: collect(d.registry.Resources())}, nil
	case MethodResourcesTemplatesList:
		return ListResourceTemplatesResult{Templates: collect(d.registry.ResourceTemplates())}, nil
	case MethodPromptsList:
		return ListPromptResult{Prompts: collect(d.registry.Prompts())}, nil
	case MethodToolsCall, MethodResourcesRead, MethodPromptsGet:
		d.logger.DebugContext(ctx, "invoking capability",
			slog.String("kind", string(call.Kind)),
			slog.String("target", call.Target))
		return d.registry.Invoke(ctx, call.binding, call.args)
	default:
		return nil, newMethodNotFound(call.Request.Method)
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, call *Call) {
	switch call.Request.Method {
	case methodNotificationsInitialized:
		d.logger.DebugContext(ctx, "client initialized")
	case methodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(call.Request.Params, &params); err != nil {
			d.logger.WarnContext(ctx, "failed to unmarshal cancelled params", slog.String("err", err.Error()))
			return
		}
		cancel, ok := d.cancels.Load(callKey{sessionID: call.SessionID, requestID: params.RequestID})
		if !ok {
			return
		}
		d.logger.DebugContext(ctx, "cancelling request",
			slog.String("requestID", string(params.RequestID)),
			slog.String("reason", params.Reason))
		if c, ok := cancel.(context.CancelFunc); ok {
			c()
		}
	}
}

// collect gathers seq into a non-nil slice, so empty lists encode as [] rather than null.
func collect[T any](seq iter.Seq[T]) []T {
	items := make([]T, 0)
	for item := range seq {
		items = append(items, item)
	}
	return items
}
