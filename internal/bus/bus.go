// Package bus carries cycle results, controller messages and link state
// between the components that produce them and the ones that display or
// persist them.
package bus

import (
	"reflect"
	"sync/atomic"

	"github.com/cskr/pubsub"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// Topics. Payload types are noted alongside.
const (
	TopicPrediction    = "prediction_update" // types.ClassificationResult
	TopicServerMessage = "server_message"    // ServerMessage
	TopicLinkState     = "link_state"        // LinkState
)

const capacity = 128

// ServerMessage is text received from the controller.
type ServerMessage struct {
	Text       string `json:"message"`
	ReceivedAt int64  `json:"received_at"` // unix millis
}

// LinkState is a connection state transition.
type LinkState struct {
	State string `json:"state"`
	At    int64  `json:"at"` // unix millis
}

type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus is a MessageBus backed by cskr/pubsub. Publish blocks once a
// subscriber falls capacity messages behind, so subscribers must keep reading.
type PubSubBus struct {
	ps     *pubsub.PubSub
	closed atomic.Bool
}

func New() *PubSubBus {
	return &PubSubBus{ps: pubsub.New(capacity)}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	if b.closed.Load() {
		return
	}
	logger.Debug("Bus", "publish topic=%s payload=%s", topic, payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	logger.Debug("Bus", "subscribe topics=%v", topics)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if b.closed.Load() {
		return
	}
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		logger.Debug("Bus", "unsubscribe all")
		return
	}
	b.ps.Unsub(ch, topics...)
	logger.Debug("Bus", "unsubscribe topics=%v", topics)
}

// Close closes every subscription. Publish and Unsubscribe become no-ops.
func (b *PubSubBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.ps.Shutdown()
	}
}

// Release unsubscribes ch from every topic and discards anything still in
// flight until the bus closes the channel.
func Release(b MessageBus, ch Subscription) {
	go b.Unsubscribe(ch)
	for range ch {
	}
}

// PublishResult lets the bus act as an orchestrator result sink.
func (b *PubSubBus) PublishResult(r types.ClassificationResult) {
	b.Publish(TopicPrediction, r)
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
