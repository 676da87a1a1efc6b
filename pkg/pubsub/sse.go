package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// sseClient is one connected subscriber.
type sseClient struct {
	writer interface {
		Write([]byte) (int, error)
		Flush() error
	}
	topics []string
}

// SSEManager fans pubsub events out to connected SSE clients, keyed by
// script-hash topic.
type SSEManager struct {
	pubsub PubSub
	logger *slog.Logger

	mu           sync.RWMutex
	clients      map[string]*sseClient
	topicClients map[string]map[string]struct{}

	subCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSSEManager creates an SSE manager over the given pubsub.
func NewSSEManager(ctx context.Context, ps PubSub, logger *slog.Logger) *SSEManager {
	if logger == nil {
		logger = slog.Default()
	}
	managerCtx, cancel := context.WithCancel(ctx)
	return &SSEManager{
		pubsub:       ps,
		logger:       logger,
		clients:      make(map[string]*sseClient),
		topicClients: make(map[string]map[string]struct{}),
		ctx:          managerCtx,
		cancel:       cancel,
	}
}

// RegisterClient adds a client subscribed to the given topics and returns its id.
func (s *SSEManager) RegisterClient(topics []string, writer interface {
	Write([]byte) (int, error)
	Flush() error
}) string {
	clientID := fmt.Sprintf("sse_%d_%p", time.Now().UnixNano(), writer)

	s.mu.Lock()
	s.clients[clientID] = &sseClient{writer: writer, topics: topics}
	for _, topic := range topics {
		if s.topicClients[topic] == nil {
			s.topicClients[topic] = make(map[string]struct{})
		}
		s.topicClients[topic][clientID] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Debug("sse client registered", "client", clientID, "topics", len(topics))
	s.resubscribe()
	return clientID
}

// DeregisterClient removes a client and drops topics with no remaining subscribers.
func (s *SSEManager) DeregisterClient(clientID string) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for _, topic := range client.topics {
		delete(s.topicClients[topic], clientID)
		if len(s.topicClients[topic]) == 0 {
			delete(s.topicClients, topic)
		}
	}
	delete(s.clients, clientID)
	s.mu.Unlock()

	s.logger.Debug("sse client deregistered", "client", clientID)
	s.resubscribe()
}

// resubscribe replaces the upstream subscription with one covering the
// current topic set.
func (s *SSEManager) resubscribe() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topicClients))
	for topic := range s.topicClients {
		topics = append(topics, topic)
	}
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	if len(topics) == 0 {
		s.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(s.ctx)
	s.subCancel = cancel
	s.mu.Unlock()

	events, err := s.pubsub.Subscribe(subCtx, topics)
	if err != nil {
		s.logger.Error("sse subscribe failed", "error", err)
		cancel()
		return
	}
	go s.pump(subCtx, events)
}

func (s *SSEManager) pump(ctx context.Context, events <-chan Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(event)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SSEManager) broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Topic, payload))

	s.mu.RLock()
	ids := make([]string, 0, len(s.topicClients[event.Topic]))
	for id := range s.topicClients[event.Topic] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var dead []string
	for _, id := range ids {
		s.mu.RLock()
		client, ok := s.clients[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if _, err := client.writer.Write(frame); err != nil {
			dead = append(dead, id)
			continue
		}
		if err := client.writer.Flush(); err != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		s.DeregisterClient(id)
	}
}

// Stop shuts the manager down.
func (s *SSEManager) Stop() error {
	s.cancel()
	return nil
}
