// Package watchbus streams lock release events to HTTP clients, for
// dashboards and debugging tools that want to see contention live.
package watchbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

// ChannelFunc maps a lock name to its release channel.
type ChannelFunc func(name string) string

// Message is the JSON document sent to watchers for each event.
type Message struct {
	Lock    string `json:"lock"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

func kindName(k syncbus.EventKind) string {
	switch k {
	case syncbus.EventRelease:
		return "release"
	case syncbus.EventReset:
		return "reset"
	}
	return "unknown"
}

// Watch subscribes to the release channel of name and delivers encoded
// messages on the returned channel until ctx is done. It returns once the
// subscription is acknowledged, so no event published afterwards is missed.
func Watch(ctx context.Context, t syncbus.Transport, channels ChannelFunc, name string) (<-chan []byte, error) {
	channel := channels(name)
	sub, err := t.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("watchbus: subscribe %s: %w", channel, err)
	}
	if err := sub.Ready(ctx); err != nil {
		_ = sub.Close(context.Background())
		return nil, fmt.Errorf("watchbus: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close(context.Background())
		for {
			select {
			case payload, ok := <-sub.Messages():
				if !ok {
					return
				}
				evt := syncbus.ParseEvent(channel, payload)
				data, err := json.Marshal(Message{
					Lock:    name,
					Channel: channel,
					Event:   kindName(evt.Kind),
					Payload: payload,
				})
				if err != nil {
					continue
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
