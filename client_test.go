// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-mcplink-go/internal/errors"
)

func startTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("link-test-server", "0.1.0", opts...)
	s.RegisterTool(Tool{Name: "echo", Description: "echoes its text argument"},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("%v", args["text"]), nil
		})
	s.RegisterResource(Resource{URI: "file:///transcripts", Name: "transcripts", MimeType: "text/plain"},
		func(ctx context.Context, uri string) (*ReadResourceResult, error) {
			return &ReadResourceResult{Contents: []ResourceContents{{URI: uri, Text: "transcript body"}}}, nil
		})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func startTestClient(t *testing.T, ts *httptest.Server, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(ts.URL+defaultMCPPath, Implementation{Name: "link-test-client", Version: "0.1.0"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.Initialize(context.Background())
	require.NoError(t, err)
	return c
}

func waitForConnection(t *testing.T, bus *NotificationBus, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.HasConnection(sessionID)
	}, 2*time.Second, 5*time.Millisecond, "push channel never connected for %s", sessionID)
}

func TestClient_InitializeEstablishesSession(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	require.NotEmpty(t, c.SessionID())
	assert.Equal(t, StateConnected, c.State())

	session, err := s.Registry().GetSession(c.SessionID())
	require.NoError(t, err)
	assert.True(t, session.IsInitialized())

	// Every subsequent request carries the token: the server can only
	// resolve the session (and count the request) from the header.
	result, err := c.CallTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.Equal(t, 1, session.RequestCount())
}

func TestClient_LifecycleErrors(t *testing.T) {
	_, ts := startTestServer(t)
	c, err := NewClient(ts.URL+defaultMCPPath, Implementation{Name: "link-test-client", Version: "0.1.0"})
	require.NoError(t, err)

	assert.Equal(t, StateDisconnected, c.State())
	_, err = c.SendRequest(context.Background(), MethodPing, nil)
	assert.True(t, stderrors.Is(err, errors.ErrNotInitialized))

	_, err = c.Initialize(context.Background())
	require.NoError(t, err)
	_, err = c.Initialize(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyInitialized))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.SendRequest(context.Background(), MethodPing, nil)
	assert.True(t, stderrors.Is(err, errors.ErrClientClosed))
}

func TestClient_InvalidServerURL(t *testing.T) {
	_, err := NewClient("not a url", Implementation{Name: "c", Version: "1"})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidServerURL))
}

func TestClient_SubscribeIdempotent(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)
	ctx := context.Background()

	require.NoError(t, c.SubscribeResource(ctx, "file:///transcripts"))
	require.NoError(t, c.SubscribeResource(ctx, "file:///transcripts"))

	session, err := s.Registry().GetSession(c.SessionID())
	require.NoError(t, err)
	assert.Len(t, session.Subscriptions(), 1)
}

func TestClient_ListAndReadResources(t *testing.T) {
	_, ts := startTestServer(t)
	c := startTestClient(t, ts)
	ctx := context.Background()

	list, err := c.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, list.Resources, 1)
	assert.Equal(t, "file:///transcripts", list.Resources[0].URI)

	read, err := c.ReadResource(ctx, "file:///transcripts")
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "transcript body", read.Contents[0].Text)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)
}

func TestClient_HealthCheck(t *testing.T) {
	_, ts := startTestServer(t)
	c := startTestClient(t, ts)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestClient_RecoveryExactlyOnce(t *testing.T) {
	_, ts := startTestServer(t, WithExpireAfterRequests(1))
	c := startTestClient(t, ts)
	ctx := context.Background()

	firstSession := c.SessionID()
	require.NotEmpty(t, firstSession)

	var recoveries atomic.Int32
	c.OnSessionRecovered(func(oldID, newID string) {
		recoveries.Add(1)
		assert.Equal(t, firstSession, oldID)
		assert.NotEqual(t, oldID, newID)
	})

	// First call crosses the one-request budget but still completes.
	require.NoError(t, c.Ping(ctx))
	// Second call hits the expired session, recovers once and succeeds.
	require.NoError(t, c.Ping(ctx))

	assert.NotEqual(t, firstSession, c.SessionID())
	assert.Equal(t, int32(1), recoveries.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_ResubscribeAfterRecovery(t *testing.T) {
	s, ts := startTestServer(t, WithExpireAfterRequests(2))
	c := startTestClient(t, ts)
	ctx := context.Background()

	require.NoError(t, c.SubscribeResource(ctx, "file:///transcripts")) // count 1
	require.NoError(t, c.Ping(ctx))                                     // count 2, arms expiry
	require.NoError(t, c.Ping(ctx))                                     // recovery, then succeeds

	session, err := s.Registry().GetSession(c.SessionID())
	require.NoError(t, err)
	assert.True(t, session.IsSubscribed("file:///transcripts"),
		"subscription must be replayed onto the recovered session")
}

// stubEnvelope mirrors the wire envelope for the hand-rolled stub servers.
type stubEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
}

// newStubHandler builds a minimal protocol endpoint for failure-path tests:
// initialize always succeeds with a fresh token, the push stream just hangs
// open, and every other request is answered by respond.
func newStubHandler(initCount *atomic.Int32, respond func(w http.ResponseWriter, r *http.Request, env stubEnvelope), initDelay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Path == defaultHealthPath {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, formatSSEComment("connected"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-r.Context().Done()
			return
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var env stubEnvelope
			json.Unmarshal(body, &env)

			if env.ID == nil {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			if env.Method == MethodInitialize {
				if initDelay > 0 {
					time.Sleep(initDelay)
				}
				initCount.Add(1)
				w.Header().Set(SessionHeader, uuid.NewString())
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(newJSONRPCResponse(env.ID, InitializeResult{
					ProtocolVersion: ProtocolVersion,
					ServerInfo:      Implementation{Name: "stub", Version: "0"},
				}))
				return
			}
			respond(w, r, env)
		}
	})
}

func TestClient_SecondSessionErrorOnRetryPropagates(t *testing.T) {
	var initCount atomic.Int32
	// Every non-initialize request is rejected as an unknown session, so the
	// retried call after recovery fails the same way.
	stub := httptest.NewServer(newStubHandler(&initCount, func(w http.ResponseWriter, r *http.Request, env stubEnvelope) {
		http.Error(w, "session not found", http.StatusNotFound)
	}, 0))
	t.Cleanup(stub.Close)

	c, err := NewClient(stub.URL+defaultMCPPath, Implementation{Name: "c", Version: "1"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	_, err = c.SendRequest(context.Background(), MethodPing, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSessionNotFound),
		"the second session error must reject, not loop: %v", err)
	// Exactly one recovery cycle ran: the first initialize plus one more.
	assert.Equal(t, int32(2), initCount.Load())
}

func TestClient_FailedRecoveryReported(t *testing.T) {
	var initCount atomic.Int32
	var failInit atomic.Bool
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "no push", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env stubEnvelope
		json.Unmarshal(body, &env)
		if env.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if env.Method == MethodInitialize {
			if failInit.Load() {
				http.Error(w, "unavailable", http.StatusBadGateway)
				return
			}
			initCount.Add(1)
			w.Header().Set(SessionHeader, uuid.NewString())
			json.NewEncoder(w).Encode(newJSONRPCResponse(env.ID, InitializeResult{ProtocolVersion: ProtocolVersion}))
			return
		}
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	t.Cleanup(stub.Close)

	c, err := NewClient(stub.URL+defaultMCPPath, Implementation{Name: "c", Version: "1"},
		WithReconnect(ReconnectConfig{MaxReconnectAttempts: 0, ReconnectDelay: 100 * time.Millisecond, ReconnectBackoffFactor: 1.0, MaxReconnectDelay: 100 * time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	failInit.Store(true)
	_, err = c.SendRequest(context.Background(), MethodPing, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRecoveryFailed), "got: %v", err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ParseErrorIsNotASessionError(t *testing.T) {
	var initCount atomic.Int32
	stub := httptest.NewServer(newStubHandler(&initCount, func(w http.ResponseWriter, r *http.Request, env stubEnvelope) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{not json")
	}, 0))
	t.Cleanup(stub.Close)

	c, err := NewClient(stub.URL+defaultMCPPath, Implementation{Name: "c", Version: "1"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	_, err = c.SendRequest(context.Background(), MethodPing, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrParse))
	assert.Equal(t, int32(1), initCount.Load(), "a parse error must not trigger recovery")
}

func TestClient_ConcurrentRecoverySingleFlight(t *testing.T) {
	var initCount atomic.Int32
	stub := httptest.NewServer(newStubHandler(&initCount, func(w http.ResponseWriter, r *http.Request, env stubEnvelope) {
		json.NewEncoder(w).Encode(newJSONRPCResponse(env.ID, map[string]interface{}{}))
	}, 200*time.Millisecond))
	t.Cleanup(stub.Close)

	c, err := NewClient(stub.URL+defaultMCPPath, Implementation{Name: "c", Version: "1"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), initCount.Load())

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.recoverSession(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	// One shared cycle: concurrent callers awaited the in-flight future
	// instead of each reinitializing.
	assert.Equal(t, int32(2), initCount.Load())
}

func TestClient_CloseDuringRecoveryLeavesNothingRunning(t *testing.T) {
	var initCount atomic.Int32
	var openStreams atomic.Int32
	inner := newStubHandler(&initCount, func(w http.ResponseWriter, r *http.Request, env stubEnvelope) {
		json.NewEncoder(w).Encode(newJSONRPCResponse(env.ID, map[string]interface{}{}))
	}, 300*time.Millisecond)
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path != defaultHealthPath {
			openStreams.Add(1)
			defer openStreams.Add(-1)
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(stub.Close)

	c, err := NewClient(stub.URL+defaultMCPPath, Implementation{Name: "c", Version: "1"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	recDone := make(chan error, 1)
	go func() { recDone <- c.recoverSession(context.Background()) }()
	time.Sleep(100 * time.Millisecond) // recovery is now mid-handshake
	require.NoError(t, c.Close())
	<-recDone

	// Close waited the cycle out: whatever the cycle managed to do, no state
	// flip and no push stream survives it.
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, stderrors.Is(c.Ping(context.Background()), errors.ErrClientClosed))
	require.Eventually(t, func() bool {
		return openStreams.Load() == 0
	}, 2*time.Second, 10*time.Millisecond, "push stream must not survive Close")

	// A recovery attempted after Close aborts outright.
	assert.True(t, stderrors.Is(c.recoverSession(context.Background()), errors.ErrClientClosed))
}

func TestClient_ReconnectDelayAfterStreamEnd(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1/mcp", Implementation{Name: "c", Version: "1"})
	require.NoError(t, err)

	// An abrupt drop reconnects immediately; a clean end or an unclassified
	// failure waits out the configured delay.
	assert.Zero(t, c.reconnectDelayAfter(stderrors.New("read tcp 127.0.0.1: connection reset by peer")))
	assert.Zero(t, c.reconnectDelayAfter(stderrors.New("write: broken pipe")))
	assert.Equal(t, c.reconnectConfig.ReconnectDelay, c.reconnectDelayAfter(nil))
	assert.Equal(t, c.reconnectConfig.ReconnectDelay, c.reconnectDelayAfter(stderrors.New("unexpected content type")))
}

func TestPush_DeliveryWithin100ms(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	received := make(chan *JSONRPCNotification, 1)
	c.OnNotification(MethodNotificationsResourcesUpdated, func(n *JSONRPCNotification) {
		received <- n
	})
	waitForConnection(t, s.Bus(), c.SessionID())
	s.Bus().Clear()

	s.SendNotification(c.SessionID(), MethodNotificationsResourcesUpdated,
		map[string]interface{}{"uri": "file:///transcripts"})

	select {
	case n := <-received:
		assert.Equal(t, "file:///transcripts", n.Params.AdditionalFields["uri"])
	case <-time.After(100 * time.Millisecond):
		t.Fatal("notification not delivered within 100ms")
	}

	history := s.Bus().History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Delivered)
}

func TestPush_DropAfterThreeMessages(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	var delivered atomic.Int32
	c.OnNotification(MethodNotificationsResourcesListChanged, func(n *JSONRPCNotification) {
		delivered.Add(1)
	})
	waitForConnection(t, s.Bus(), c.SessionID())
	s.Bus().Clear()

	s.Bus().SimulateConnectionDropAfter(3, "messages")
	for i := 0; i < 3; i++ {
		s.NotifyResourcesListChanged()
	}

	assert.False(t, s.Bus().HasConnection(c.SessionID()))
	assert.Contains(t, eventTypes(s.Bus().Events()), EventConnectionDrop)

	require.Eventually(t, func() bool {
		return delivered.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPush_BroadcastReachesEverySession(t *testing.T) {
	s, ts := startTestServer(t)
	first := startTestClient(t, ts)
	second := startTestClient(t, ts)
	require.NotEqual(t, first.SessionID(), second.SessionID())

	gotFirst := make(chan struct{}, 1)
	gotSecond := make(chan struct{}, 1)
	first.OnNotification(MethodNotificationsResourcesListChanged, func(*JSONRPCNotification) { gotFirst <- struct{}{} })
	second.OnNotification(MethodNotificationsResourcesListChanged, func(*JSONRPCNotification) { gotSecond <- struct{}{} })

	waitForConnection(t, s.Bus(), first.SessionID())
	waitForConnection(t, s.Bus(), second.SessionID())
	s.Bus().Clear()

	s.BroadcastNotification(MethodNotificationsResourcesListChanged, nil)

	for name, ch := range map[string]chan struct{}{"first": gotFirst, "second": gotSecond} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("%s client never received the broadcast", name)
		}
	}

	deliveredTo := make(map[string]bool)
	for _, rec := range s.Bus().History() {
		require.True(t, rec.Delivered)
		deliveredTo[rec.SessionID] = true
	}
	assert.True(t, deliveredTo[first.SessionID()])
	assert.True(t, deliveredTo[second.SessionID()])
}

func TestPush_SubscribedNotificationRouting(t *testing.T) {
	s, ts := startTestServer(t)
	subscriber := startTestClient(t, ts)
	bystander := startTestClient(t, ts)

	got := make(chan *JSONRPCNotification, 2)
	subscriber.OnNotification(MethodNotificationsResourcesUpdated, func(n *JSONRPCNotification) { got <- n })
	bystanderGot := make(chan struct{}, 2)
	bystander.OnNotification(MethodNotificationsResourcesUpdated, func(*JSONRPCNotification) { bystanderGot <- struct{}{} })

	waitForConnection(t, s.Bus(), subscriber.SessionID())
	waitForConnection(t, s.Bus(), bystander.SessionID())
	require.NoError(t, subscriber.SubscribeResource(context.Background(), "file:///transcripts"))

	s.NotifyResourceUpdated("file:///transcripts")

	select {
	case n := <-got:
		assert.Equal(t, "file:///transcripts", n.Params.AdditionalFields["uri"])
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the update")
	}
	select {
	case <-bystanderGot:
		t.Fatal("unsubscribed session must not receive scoped updates")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPush_HandlerPanicIsolated(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	got := make(chan struct{}, 1)
	c.OnNotification(MethodNotificationsResourcesListChanged, func(*JSONRPCNotification) {
		panic("handler exploded")
	})
	c.OnNotification(MethodNotificationsResourcesListChanged, func(*JSONRPCNotification) {
		got <- struct{}{}
	})
	waitForConnection(t, s.Bus(), c.SessionID())

	s.NotifyResourcesListChanged()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler blocked by the first one's panic")
	}
}

func TestPush_UnsubscribeByHandle(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	var calls atomic.Int32
	handler := func(*JSONRPCNotification) { calls.Add(1) }

	// The same function registered twice yields two independent handles.
	unsubscribeFirst := c.OnNotification(MethodNotificationsResourcesListChanged, handler)
	c.OnNotification(MethodNotificationsResourcesListChanged, handler)
	unsubscribeFirst()

	waitForConnection(t, s.Bus(), c.SessionID())
	s.NotifyResourcesListChanged()

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "the removed handle must not fire")
}

func TestClient_TerminateSession(t *testing.T) {
	s, ts := startTestServer(t)
	c := startTestClient(t, ts)

	sessionID := c.SessionID()
	require.NoError(t, c.TerminateSession(context.Background()))
	assert.False(t, s.Registry().IsValid(sessionID))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestServer_TerminateUnknownSessionIs404(t *testing.T) {
	_, ts := startTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+defaultMCPPath, nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, "no-such-session")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_NotificationAcknowledgedWith202(t *testing.T) {
	_, ts := startTestServer(t)
	c := startTestClient(t, ts)

	body, err := json.Marshal(NewJSONRPCNotificationFromMap(MethodNotificationsInitialized, nil))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+defaultMCPPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, c.SessionID())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	payload, _ := io.ReadAll(resp.Body)
	assert.Empty(t, payload)
}
