package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/MegaGrindStone/go-mcp-sse/servers/demo"
	"github.com/stretchr/testify/require"
)

type mockClientTransport struct {
	session *mockClientSession
}

type mockClientSession struct {
	sendErr error

	sent     chan mcp.JSONRPCMessage
	messages chan mcp.JSONRPCMessage
	stopOnce sync.Once
	stopped  chan struct{}
}

func newMockClientTransport() *mockClientTransport {
	return &mockClientTransport{
		session: &mockClientSession{
			sent:     make(chan mcp.JSONRPCMessage, 10),
			messages: make(chan mcp.JSONRPCMessage, 10),
			stopped:  make(chan struct{}),
		},
	}
}

func (m *mockClientTransport) StartSession(context.Context) (mcp.ClientSession, error) {
	return m.session, nil
}

func (m *mockClientSession) ID() string { return "mock-session" }

func (m *mockClientSession) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	if m.sendErr != nil && msg.Method != mcp.MethodInitialize && msg.Method != "notifications/initialized" {
		return m.sendErr
	}
	select {
	case m.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockClientSession) Messages() iter.Seq[mcp.JSONRPCMessage] {
	return func(yield func(mcp.JSONRPCMessage) bool) {
		for {
			select {
			case <-m.stopped:
				return
			case msg, ok := <-m.messages:
				if !ok || !yield(msg) {
					return
				}
			}
		}
	}
}

func (m *mockClientSession) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
}

func (m *mockClientSession) nextSent(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-m.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a sent message")
		return mcp.JSONRPCMessage{}
	}
}

func (m *mockClientSession) respond(t *testing.T, id mcp.MustString, result any) {
	t.Helper()
	resBs, err := json.Marshal(result)
	require.NoError(t, err)
	m.messages <- mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: resBs}
}

func connectMock(t *testing.T, options ...mcp.ClientOption) (*mcp.Client, *mockClientSession) {
	t.Helper()

	transport := newMockClientTransport()
	sess := transport.session
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport, options...)

	errs := make(chan error, 1)
	go func() {
		errs <- client.Connect(context.Background())
	}()

	init := sess.nextSent(t)
	require.Equal(t, mcp.MethodInitialize, init.Method)
	sess.respond(t, init.ID, map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      mcp.Info{Name: "mock-server", Version: "1.0"},
	})
	require.Equal(t, "notifications/initialized", sess.nextSent(t).Method)
	require.NoError(t, <-errs)

	t.Cleanup(client.Close)
	return client, sess
}

func textToolResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

func TestClientNotConnected(t *testing.T) {
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, newMockClientTransport())

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "add", nil, time.Second)
	require.Error(t, err)
	require.Empty(t, client.SessionID())
}

func TestClientConnectVersionMismatch(t *testing.T) {
	transport := newMockClientTransport()
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport)

	errs := make(chan error, 1)
	go func() {
		errs <- client.Connect(context.Background())
	}()

	init := transport.session.nextSent(t)
	transport.session.respond(t, init.ID, map[string]any{
		"protocolVersion": "1999-01-01",
		"serverInfo":      mcp.Info{Name: "old-server", Version: "0.1"},
	})
	require.ErrorContains(t, <-errs, "protocol version mismatch")
}

func TestClientDropsLateResponse(t *testing.T) {
	var notifications []mcp.JSONRPCMessage
	var mu sync.Mutex
	client, sess := connectMock(t, mcp.WithNotificationHandler(mcp.NotificationHandlerFunc(func(msg mcp.JSONRPCMessage) {
		mu.Lock()
		defer mu.Unlock()
		notifications = append(notifications, msg)
	})))
	require.Equal(t, mcp.Info{Name: "mock-server", Version: "1.0"}, client.ServerInfo())

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "slow", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)

	late := sess.nextSent(t)
	require.Equal(t, mcp.MethodToolsCall, late.Method)
	sess.respond(t, late.ID, textToolResult("late"))

	results := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := client.Call(context.Background(), mcp.CapabilityTool, "fast", nil, 5*time.Second)
		errs <- err
		results <- res
	}()

	fresh := sess.nextSent(t)
	require.NotEqual(t, late.ID, fresh.ID)
	sess.respond(t, fresh.ID, textToolResult("fresh"))

	require.NoError(t, <-errs)
	require.Equal(t, "fresh", toolResultText(t, <-results))

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, notifications)
}

func TestClientIgnoresUnknownMessages(t *testing.T) {
	received := make(chan mcp.JSONRPCMessage, 1)
	client, sess := connectMock(t, mcp.WithNotificationHandler(mcp.NotificationHandlerFunc(func(msg mcp.JSONRPCMessage) {
		received <- msg
	})))

	sess.respond(t, "never-sent", textToolResult("stray"))
	sess.messages <- mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "srv-1", Method: "roots/list"}
	sess.messages <- mcp.JSONRPCMessage{JSONRPC: "1.0", ID: "x"}
	sess.messages <- mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/message"}

	select {
	case msg := <-received:
		require.Equal(t, "notifications/message", msg.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
	}

	go func() {
		req := sess.nextSent(t)
		sess.respond(t, req.ID, struct{}{})
	}()
	require.NoError(t, client.Ping(context.Background()))
}

func TestClientCancelSendsNotification(t *testing.T) {
	client, sess := connectMock(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, mcp.CapabilityTool, "slow", nil, 5*time.Second)
		errs <- err
	}()

	req := sess.nextSent(t)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	notif := sess.nextSent(t)
	require.Equal(t, "notifications/cancelled", notif.Method)
	require.Empty(t, notif.ID)

	var params struct {
		RequestID mcp.MustString `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(notif.Params, &params))
	require.Equal(t, req.ID, params.RequestID)
}

func TestClientSessionEnded(t *testing.T) {
	client, sess := connectMock(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), mcp.CapabilityTool, "slow", nil, 5*time.Second)
		errs <- err
	}()
	sess.nextSent(t)

	close(sess.messages)
	require.ErrorIs(t, <-errs, mcp.ErrSessionClosed)

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the end of the session")
	}

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "slow", nil, time.Second)
	require.ErrorIs(t, err, mcp.ErrSessionClosed)
}

func TestClientSendRejected(t *testing.T) {
	client, sess := connectMock(t)
	sess.sendErr = &mcp.Failure{Kind: mcp.KindUnknownSession, Message: "session gone"}

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "add", nil, time.Second)
	require.ErrorIs(t, err, mcp.ErrUnknownSession)
}

func TestClientTimeoutOverSSE(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(r *mcp.Registry) error {
		if err := demo.Register(r); err != nil {
			return err
		}
		return r.RegisterTool(mcp.Tool{Name: "block"},
			func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
				<-release
				return textToolResult("late"), nil
			})
	})
	client := srv.connect(t)

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "block", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)

	// The server still answers; wait until the late response was pushed.
	close(release)
	require.Eventually(t, func() bool {
		info, err := srv.sessions.Lookup(client.SessionID())
		return err == nil && info.Pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	res, err := client.Call(context.Background(), mcp.CapabilityTool, "tool_echo", map[string]int{"v": 7}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "7", toolResultText(t, res))
}

func TestClientTimeoutWithAckOnDelivery(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := newTestServer(t, func(r *mcp.Registry) error {
		return r.RegisterTool(mcp.Tool{Name: "block"},
			func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
				<-release
				return textToolResult("late"), nil
			})
	}, mcp.WithAckOnDelivery())
	client := srv.connect(t, mcp.WithClientWriteTimeout(10*time.Second))

	// The POST stays open while the handler runs; the call timeout still applies.
	start := time.Now()
	_, err := client.Call(context.Background(), mcp.CapabilityTool, "block", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, client.Ping(context.Background()))
}

func TestClientPushStreamClosed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	srv := newTestServer(t, func(r *mcp.Registry) error {
		return r.RegisterTool(mcp.Tool{Name: "block"},
			func(context.Context, json.RawMessage) (mcp.CallToolResult, error) {
				close(started)
				<-release
				return textToolResult("never delivered"), nil
			})
	})
	client := srv.connect(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), mcp.CapabilityTool, "block", nil, 5*time.Second)
		errs <- err
	}()
	<-started

	require.NoError(t, srv.sessions.Close(client.SessionID()))

	select {
	case err := <-errs:
		require.True(t, errors.Is(err, mcp.ErrSessionClosed), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail")
	}

	_, err := client.Call(context.Background(), mcp.CapabilityTool, "block", nil, time.Second)
	require.ErrorIs(t, err, mcp.ErrSessionClosed)
}
