// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"sync"
	"time"
)

// PushConnection is one live server-to-client push channel. The HTTP layer
// implements it over an SSE response; tests may implement it in memory.
type PushConnection interface {
	// Send queues one notification for the client. It returns an error only
	// when the channel can no longer accept writes.
	Send(notification *JSONRPCNotification) error
	// Close tears the channel down. Closing twice is safe.
	Close() error
}

// Connection event types recorded by the bus.
const (
	EventConnected      = "connected"
	EventReconnected    = "reconnected"
	EventDisconnected   = "disconnected"
	EventConnectionDrop = "connection_dropped"
)

// ConnectionEvent is one entry in the bus's connection lifecycle log.
type ConnectionEvent struct {
	SessionID string
	Type      string
	Timestamp time.Time
}

// DeliveryRecord is one entry in the bus's delivery history. Delivered is
// false when no live channel existed for the session at send time.
type DeliveryRecord struct {
	SessionID    string
	Notification *JSONRPCNotification
	Delivered    bool
	Timestamp    time.Time
}

// dropTrigger is an armed message-count drop. A time-based drop uses a timer
// instead and needs no per-send bookkeeping.
type dropTrigger struct {
	remaining int
}

// NotificationBus routes server-initiated notifications to live push
// channels, one channel per session, and records every delivery attempt.
// Delivery is at most once: a notification sent while a session has no
// channel is recorded as undelivered and never replayed.
//
// The fault injection methods exist for exercising client recovery behavior
// and leave the same event trail a real network fault would.
type NotificationBus struct {
	mu          sync.Mutex
	connections map[string]PushConnection
	delays      map[string]time.Duration
	drop        *dropTrigger
	dropTimer   *time.Timer
	history     []DeliveryRecord
	events      []ConnectionEvent
	logger      Logger
	metrics     MetricsRecorder
}

// NewNotificationBus creates an empty bus.
func NewNotificationBus() *NotificationBus {
	return &NotificationBus{
		connections: make(map[string]PushConnection),
		delays:      make(map[string]time.Duration),
		logger:      GetDefaultLogger(),
	}
}

func (b *NotificationBus) setLogger(logger Logger) {
	b.logger = logger
}

func (b *NotificationBus) setMetrics(recorder MetricsRecorder) {
	b.metrics = recorder
}

// AddConnection registers conn as the session's push channel. An existing
// channel for the same session is superseded: the old one is closed and the
// event is recorded as a reconnect rather than a fresh connect.
func (b *NotificationBus) AddConnection(sessionID string, conn PushConnection) {
	b.mu.Lock()
	old, existed := b.connections[sessionID]
	b.connections[sessionID] = conn
	eventType := EventConnected
	if existed {
		eventType = EventReconnected
	}
	b.events = append(b.events, ConnectionEvent{SessionID: sessionID, Type: eventType, Timestamp: time.Now()})
	b.mu.Unlock()

	if existed {
		old.Close()
		b.logger.Infof("push channel reconnected: session %s", sessionID)
	} else {
		b.logger.Infof("push channel connected: session %s", sessionID)
	}
}

// RemoveConnection unregisters and closes the session's push channel, if any.
func (b *NotificationBus) RemoveConnection(sessionID string) {
	b.mu.Lock()
	conn, ok := b.connections[sessionID]
	if ok {
		delete(b.connections, sessionID)
		b.events = append(b.events, ConnectionEvent{SessionID: sessionID, Type: EventDisconnected, Timestamp: time.Now()})
	}
	b.mu.Unlock()

	if ok {
		conn.Close()
		b.logger.Infof("push channel disconnected: session %s", sessionID)
	}
}

// removeIfCurrent unregisters conn only if it is still the session's active
// channel. Handler teardown uses this so that a superseded or dropped channel
// cleaning up after itself neither removes its replacement nor logs a
// spurious disconnect.
func (b *NotificationBus) removeIfCurrent(sessionID string, conn PushConnection) {
	b.mu.Lock()
	current, ok := b.connections[sessionID]
	if ok && current == conn {
		delete(b.connections, sessionID)
		b.events = append(b.events, ConnectionEvent{SessionID: sessionID, Type: EventDisconnected, Timestamp: time.Now()})
		b.mu.Unlock()
		b.logger.Infof("push channel disconnected: session %s", sessionID)
		return
	}
	b.mu.Unlock()
}

// HasConnection reports whether the session currently has a live channel.
func (b *NotificationBus) HasConnection(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.connections[sessionID]
	return ok
}

// SendToSession delivers one notification to the session's push channel and
// records the attempt. A missing channel is not an error: the notification is
// recorded as undelivered and dropped.
func (b *NotificationBus) SendToSession(sessionID string, notification *JSONRPCNotification) {
	b.mu.Lock()
	conn, ok := b.connections[sessionID]
	delay := b.delays[sessionID]
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	delivered := false
	if ok {
		if err := conn.Send(notification); err != nil {
			b.logger.Warnf("push send failed: session %s: %v", sessionID, err)
		} else {
			delivered = true
		}
	}

	b.mu.Lock()
	b.history = append(b.history, DeliveryRecord{
		SessionID:    sessionID,
		Notification: notification,
		Delivered:    delivered,
		Timestamp:    time.Now(),
	})
	shouldDrop := false
	if delivered && b.drop != nil {
		b.drop.remaining--
		if b.drop.remaining <= 0 {
			b.drop = nil
			shouldDrop = true
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordPushDelivery(delivered)
	}
	if !delivered {
		b.logger.Debugf("push undelivered: session %s method %s", sessionID, notification.Method)
	}
	if shouldDrop {
		b.SimulateConnectionDrop(sessionID)
	}
}

// Broadcast delivers one notification to every session with a live channel.
func (b *NotificationBus) Broadcast(notification *JSONRPCNotification) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.connections))
	for id := range b.connections {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.SendToSession(id, notification)
	}
}

// SimulateConnectionDrop forcibly severs the session's push channel, as a
// network fault would: the channel closes without clean unregistration and
// the event is recorded as a drop, not a disconnect.
func (b *NotificationBus) SimulateConnectionDrop(sessionID string) {
	b.mu.Lock()
	conn, ok := b.connections[sessionID]
	if ok {
		delete(b.connections, sessionID)
		b.events = append(b.events, ConnectionEvent{SessionID: sessionID, Type: EventConnectionDrop, Timestamp: time.Now()})
	}
	b.mu.Unlock()

	if ok {
		conn.Close()
		b.logger.Warnf("push channel dropped: session %s", sessionID)
	}
}

// SimulateNetworkDelay delays every subsequent delivery to the session by d.
// A zero duration clears the delay.
func (b *NotificationBus) SimulateNetworkDelay(sessionID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d <= 0 {
		delete(b.delays, sessionID)
		return
	}
	b.delays[sessionID] = d
}

// SimulateConnectionDropAfter arms a deferred drop. With unit "messages" the
// channel that receives the n-th delivered notification from now is dropped
// right after delivery. With unit "ms" every live channel is dropped after n
// milliseconds. Unknown units are ignored.
func (b *NotificationBus) SimulateConnectionDropAfter(n int, unit string) {
	switch unit {
	case "messages":
		if n <= 0 {
			return
		}
		b.mu.Lock()
		b.drop = &dropTrigger{remaining: n}
		b.mu.Unlock()
	case "ms":
		if n < 0 {
			return
		}
		b.mu.Lock()
		if b.dropTimer != nil {
			b.dropTimer.Stop()
		}
		// Tracked so Clear can disarm it before it fires.
		b.dropTimer = time.AfterFunc(time.Duration(n)*time.Millisecond, func() {
			b.mu.Lock()
			b.dropTimer = nil
			ids := make([]string, 0, len(b.connections))
			for id := range b.connections {
				ids = append(ids, id)
			}
			b.mu.Unlock()
			for _, id := range ids {
				b.SimulateConnectionDrop(id)
			}
		})
		b.mu.Unlock()
	default:
		b.logger.Warnf("unknown drop unit %q ignored", unit)
	}
}

// History returns a snapshot of every delivery attempt in order.
func (b *NotificationBus) History() []DeliveryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeliveryRecord, len(b.history))
	copy(out, b.history)
	return out
}

// SessionHistory returns the delivery attempts for one session in order.
func (b *NotificationBus) SessionHistory(sessionID string) []DeliveryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []DeliveryRecord
	for _, rec := range b.history {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// Events returns a snapshot of the connection lifecycle log in order.
func (b *NotificationBus) Events() []ConnectionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConnectionEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Clear resets history, events, delays and armed drops. Live connections are
// kept; Clear exists so tests can reset bookkeeping between phases.
func (b *NotificationBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.events = nil
	b.delays = make(map[string]time.Duration)
	b.drop = nil
	if b.dropTimer != nil {
		b.dropTimer.Stop()
		b.dropTimer = nil
	}
}
