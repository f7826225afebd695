package broker

import (
	"sync"
)

// Broker fans messages out to in-process subscribers by topic.
type Broker struct {
	subscribers map[string][]chan interface{}
	mu          sync.RWMutex
	bufferSize  int
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan interface{}),
		bufferSize:  8,
	}
}

// UsageTopic is the topic carrying usage updates for one user identifier.
func UsageTopic(userIdentifier string) string {
	return "usage_update_" + userIdentifier
}

func (b *Broker) Subscribe(topic string) <-chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan interface{}, b.bufferSize)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch <-chan interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chans, ok := b.subscribers[topic]; ok {
		for i, c := range chans {
			if c == ch {
				b.subscribers[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

// Publish never blocks: a subscriber whose buffer is full misses msg.
// It returns the number of subscribers that received it.
func (b *Broker) Publish(topic string, msg interface{}) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}
