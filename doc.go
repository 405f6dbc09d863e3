// Package mcp serves named capabilities (tools, resources and prompts) over a transport split in
// two channels, as the Model Context Protocol SSE transport does: a long-lived push stream
// carrying every response from the server, and short-lived POST requests carrying the client's
// requests. A session id, announced on the push stream when it opens, ties the two together.
//
// The server side is assembled from a Registry holding the capabilities, a SessionManager
// tracking sessions and their push Channel, and a Dispatcher validating requests and delivering
// responses. SSEServer exposes them as http.Handlers:
//
//	registry := mcp.NewRegistry()
//	sessions := mcp.NewSessionManager()
//	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "demo", Version: "1.0"}, registry, sessions)
//	srv := mcp.NewSSEServer("/message", sessions, dispatcher)
//	http.Handle("/sse", srv.HandleSSE())
//	http.Handle("/message", srv.HandleMessage())
//
// On the client side, Client correlates the responses received on the push stream with the
// requests it posted, using SSEClient as its transport.
package mcp
