// Package pubsub delivers script-hash change notifications to the protocol
// layer. A topic is a script-hash hex string; an event fires after each
// committed block batch and after each mempool observation touching the
// script.
package pubsub

import (
	"context"
)

// Event is one change notification.
type Event struct {
	Topic  string `json:"topic"`  // script-hash hex
	Txid   string `json:"txid"`   // transaction that touched the script
	Height uint32 `json:"height"` // confirming height, 0 for mempool
	Source string `json:"source"` // "block" or "mempool"
}

// PubSub is the subscription surface handed to the protocol layer.
type PubSub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, topics []string) (<-chan Event, error)
	Close() error
}
