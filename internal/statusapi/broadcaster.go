package statusapi

import (
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/worker"
)

// clientBuffer is the number of events a slow client may lag behind before
// events are skipped for it.
const clientBuffer = 8

// SerializedEvent holds one event encoded once for every client.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte
}

// Broadcaster fans alert events out to stream clients. Publish never blocks
// the caller (the capture loop).
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
	metrics *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. m may be nil.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a client. The channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, clientBuffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	b.setClients()
	logger.Debug("Broadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.setClients()
		logger.Debug("Broadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes ev and hands it to every client that has room.
func (b *Broadcaster) Publish(ev worker.Event) {
	b.mu.Lock()
	n := len(b.clients)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	se, err := serialize(NewAlertEvent(ev))
	if err != nil {
		logger.Error("Broadcaster", "Failed to serialize event: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- se:
		default:
			logger.Debug("Broadcaster", "Client #%d too slow, event skipped", id)
		}
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.setClients()
}

func (b *Broadcaster) setClients() {
	if b.metrics != nil {
		b.metrics.StreamClients.Store(int64(len(b.clients)))
	}
}

func serialize(ev AlertEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	st, err := ev.Proto()
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{JSONData: jsonData, ProtobufData: pbData}, nil
}
