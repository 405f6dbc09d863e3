package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client drives one session against a server: it opens the push stream, performs the initialize
// handshake, and correlates the responses pushed by the server with the requests it posts.
//
// Every request gets a fresh UUID as id, so ids are never reused within a session. Waiting
// requests are kept in a correlation table that the receive loop resolves; a request that times
// out is abandoned, and a response arriving for it later is dropped. A timeout does not cancel
// the work on the server.
//
// A Client must be created using NewClient and requires Connect to be called before any
// operation. It should be closed using Close when no longer needed.
type Client struct {
	info      Info
	transport ClientTransport

	writeTimeout        time.Duration
	callTimeout         time.Duration
	abandonedRetention  time.Duration
	notificationHandler NotificationHandler
	logger              *slog.Logger

	session            ClientSession
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	mu        sync.Mutex
	pending   map[MustString]chan JSONRPCMessage
	abandoned map[MustString]time.Time
	ended     bool
	done      chan struct{}
}

var (
	defaultClientWriteTimeout       = 30 * time.Second
	defaultClientCallTimeout        = 30 * time.Second
	defaultClientAbandonedRetention = 5 * time.Minute

	errClientNotConnected = errors.New("client not connected")
)

const userCancelledReason = "user cancelled the request"

// NewClient creates a client identified by info, communicating through transport. The client
// is not connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[MustString]chan JSONRPCMessage),
		abandoned: make(map[MustString]time.Time),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.callTimeout == 0 {
		c.callTimeout = defaultClientCallTimeout
	}
	if c.abandonedRetention == 0 {
		c.abandonedRetention = defaultClientAbandonedRetention
	}

	return c
}

// WithClientWriteTimeout sets the timeout for posting a message on the request channel.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientCallTimeout sets the default time a request waits for its response.
func WithClientCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithNotificationHandler sets the handler receiving the notifications pushed by the server.
func WithNotificationHandler(handler NotificationHandler) ClientOption {
	return func(c *Client) {
		c.notificationHandler = handler
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "client"),
		)
	}
}

// Connect opens the session, starts the receive loop and performs the initialize handshake.
// The session lives until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess
	c.logger = c.logger.With(slog.String("sessionID", sess.ID()))

	go c.receive(sess.Messages())

	res, err := c.request(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}, c.callTimeout)
	if err != nil {
		sess.Stop()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		sess.Stop()
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		sess.Stop()
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		sess.Stop()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// Close ends the session and waits for the receive loop to exit. Requests still waiting fail.
func (c *Client) Close() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	<-c.done
}

// Done is closed when the session ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the id of the session assigned by the server.
func (c *Client) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

// ServerInfo returns the server information received during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server announced during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Instructions returns the instructions the server sent during the handshake.
func (c *Client) Instructions() string {
	return c.instructions
}

// Call invokes a capability and returns the raw result. The target is the tool or prompt name,
// or the resource URI; args is encoded as the arguments object and ignored for resources.
//
// Call waits at most timeout for the response (the client's call timeout when timeout is not
// positive) and fails with ErrRequestTimeout afterwards. Failures reported by the server are
// returned as a *Failure, so errors.Is matches the sentinel of their kind.
func (c *Client) Call(
	ctx context.Context,
	kind CapabilityKind,
	target string,
	args any,
	timeout time.Duration,
) (json.RawMessage, error) {
	var argsBs json.RawMessage
	if args != nil && kind != CapabilityResource {
		bs, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		argsBs = bs
	}

	var method string
	var params any
	switch kind {
	case CapabilityTool:
		method = MethodToolsCall
		params = CallToolParams{Name: target, Arguments: argsBs}
	case CapabilityResource:
		method = MethodResourcesRead
		params = ReadResourceParams{URI: target}
	case CapabilityPrompt:
		method = MethodPromptsGet
		params = promptCallParams{Name: target, Arguments: argsBs}
	default:
		return nil, newFailure(KindMalformedRequest, "unknown capability kind %q", kind)
	}

	return c.request(ctx, method, params, timeout)
}

// CallTool executes a tool on the server with the given arguments.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.requestInto(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ReadResource reads the resource addressed by params.URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.requestInto(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// GetPrompt expands a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	if err := c.requestInto(ctx, MethodPromptsGet, params, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// ListTools retrieves the tools available on the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.requestInto(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// ListResources retrieves the concrete resources available on the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := c.requestInto(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ListResourceTemplates retrieves the parameterized resources available on the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	if err := c.requestInto(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return result, nil
}

// ListPrompts retrieves the prompts available on the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	var result ListPromptResult
	if err := c.requestInto(ctx, MethodPromptsList, params, &result); err != nil {
		return ListPromptResult{}, err
	}
	return result, nil
}

// Ping checks that the server answers on the session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, MethodPing, nil, c.callTimeout)
	return err
}

// Discover lists the capabilities of the given kind as descriptors, in the order the server
// registered them. Resources include both concrete resources and templates.
func (c *Client) Discover(ctx context.Context, kind CapabilityKind) (iter.Seq[Descriptor], error) {
	var descs []Descriptor

	switch kind {
	case CapabilityTool:
		res, err := c.ListTools(ctx, ListToolsParams{})
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			descs = append(descs, Descriptor{Kind: kind, Target: t.Name, Name: t.Name, Description: t.Description})
		}
	case CapabilityResource:
		res, err := c.ListResources(ctx, ListResourcesParams{})
		if err != nil {
			return nil, err
		}
		for _, r := range res.Resources {
			descs = append(descs, Descriptor{Kind: kind, Target: r.URI, Name: r.Name, Description: r.Description})
		}
		tmpls, err := c.ListResourceTemplates(ctx, ListResourceTemplatesParams{})
		if err != nil {
			return nil, err
		}
		for _, t := range tmpls.Templates {
			descs = append(descs, Descriptor{Kind: kind, Target: t.URITemplate, Name: t.Name, Description: t.Description})
		}
	case CapabilityPrompt:
		res, err := c.ListPrompts(ctx, ListPromptsParams{})
		if err != nil {
			return nil, err
		}
		for _, p := range res.Prompts {
			descs = append(descs, Descriptor{Kind: kind, Target: p.Name, Name: p.Name, Description: p.Description})
		}
	default:
		return nil, newFailure(KindMalformedRequest, "unknown capability kind %q", kind)
	}

	return func(yield func(Descriptor) bool) {
		for _, d := range descs {
			if !yield(d) {
				return
			}
		}
	}, nil
}

func (c *Client) requestInto(ctx context.Context, method string, params any, result any) error {
	res, err := c.request(ctx, method, params, c.callTimeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// request posts a request and waits for the matching response on the push stream.
func (c *Client) request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.session == nil {
		return nil, errClientNotConnected
	}
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	// Register before sending, the response may be pushed before the POST returns.
	results, err := c.register(msg.ID)
	if err != nil {
		return nil, err
	}

	// The call timeout covers the send too: a server acknowledging on delivery keeps the POST
	// open until the handler is done.
	deadline := time.Now().Add(timeout)
	sendDeadline := deadline
	if writeDeadline := time.Now().Add(c.writeTimeout); writeDeadline.Before(sendDeadline) {
		sendDeadline = writeDeadline
	}
	sCtx, sCancel := context.WithDeadline(ctx, sendDeadline)
	err = c.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(msg.ID)
			return nil, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			c.abandon(msg.ID)
			return nil, newFailure(KindRequestTimeout, "no response to %s after %s", method, timeout)
		}
		c.unregister(msg.ID)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resMsg, ok := <-results:
		if !ok {
			return nil, newFailure(KindSessionClosed, "session ended while waiting for %s", method)
		}
		if resMsg.Error != nil {
			return nil, FailureFromJSONRPC(*resMsg.Error)
		}
		return resMsg.Result, nil
	case <-timer.C:
		c.abandon(msg.ID)
		return nil, newFailure(KindRequestTimeout, "no response to %s after %s", method, timeout)
	case <-ctx.Done():
		c.abandon(msg.ID)
		nErr := c.sendNotification(context.WithoutCancel(ctx), methodNotificationsCancelled, cancelledParams{
			RequestID: msg.ID,
			Reason:    userCancelledReason,
		})
		if nErr != nil {
			return nil, fmt.Errorf("%w: failed to send notification: %w", ctx.Err(), nErr)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		notif.Params = paramsBs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) register(id MustString) (<-chan JSONRPCMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return nil, newFailure(KindSessionClosed, "session ended")
	}
	results := make(chan JSONRPCMessage, 1)
	c.pending[id] = results
	return results, nil
}

func (c *Client) unregister(id MustString) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

// abandon moves a waiting request to the abandoned set, so a late response is recognized and
// dropped. Entries older than the retention are forgotten at the same time.
func (c *Client) abandon(id MustString) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)

	now := time.Now()
	for abandonedID, at := range c.abandoned {
		if now.Sub(at) > c.abandonedRetention {
			delete(c.abandoned, abandonedID)
		}
	}
	c.abandoned[id] = now
}

// receive dispatches the messages of the push stream until it ends. Responses resolve the
// waiting request with the same id; notifications go to the notification handler.
func (c *Client) receive(msgs iter.Seq[JSONRPCMessage]) {
	defer func() {
		c.mu.Lock()
		c.ended = true
		for id, results := range c.pending {
			close(results)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for msg := range msgs {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		if msg.Method != "" {
			if msg.ID != "" {
				c.logger.Warn("ignoring server request", "method", msg.Method)
				continue
			}
			if c.notificationHandler != nil {
				c.notificationHandler.OnNotification(msg)
			}
			continue
		}

		c.mu.Lock()
		results, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		_, abandoned := c.abandoned[msg.ID]
		if abandoned {
			delete(c.abandoned, msg.ID)
		}
		c.mu.Unlock()

		switch {
		case ok:
			results <- msg
		case abandoned:
			c.logger.Debug("dropping late response", "id", msg.ID)
		default:
			c.logger.Warn("dropping response to unknown request", "id", msg.ID)
		}
	}
}
