// Package gateway fans relay events out to connected clients and answers their device queries
// from the position cache.
//
// The [Hub] is transport-agnostic: a transport registers each connection with [Hub.Connect],
// feeds inbound frames to [Hub.HandleMessage] and drains [Client.Outbound]. [WebSocketHandler]
// is the WebSocket transport used by the relay.
package gateway

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/internal/metrics"
	"github.com/niports/tracking-relay/pkg/netid"
	"github.com/niports/tracking-relay/pkg/protocol"
)

// DefaultQueueSize is the number of outbound messages buffered per client.
const DefaultQueueSize = 32

// Querier answers device queries. Implementations must not block on network I/O.
type Querier interface {
	Query(deviceIDs []string) ([]protocol.Position, error)
}

// AddressSource reports the relay's current network identity.
type AddressSource interface {
	Current() netid.Identity
}

// Client is one connected consumer. It holds no state beyond its outbound queue.
type Client struct {
	ID         string
	RemoteAddr string

	send chan []byte
}

// Outbound returns the client's message queue. It is closed when the client is disconnected.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Hub tracks connected clients.
type Hub struct {
	// QueueSize applies to clients connected after it is set. Zero selects DefaultQueueSize.
	QueueSize int

	querier Querier
	address AddressSource

	lock    sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func NewHub(querier Querier, address AddressSource) *Hub {
	return &Hub{
		QueueSize: DefaultQueueSize,
		querier:   querier,
		address:   address,
		clients:   make(map[string]*Client),
	}
}

var ErrHubClosed = errors.New("gateway is shutting down")

// Connect registers a client and queues the initial status message for it.
func (h *Hub) Connect(remoteAddr string) (*Client, error) {
	size := h.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	client := &Client{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		send:       make(chan []byte, size),
	}

	greeting, err := encode(EventStatus, &Status{
		Message: messageConnected,
		Address: h.address.Current().Address,
		Changed: false,
	})
	if err != nil {
		return nil, err
	}
	// The greeting is queued before the client is visible to broadcasts.
	client.send <- greeting

	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		return nil, ErrHubClosed
	}
	h.clients[client.ID] = client
	count := len(h.clients)
	h.lock.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	log.Info("Client %s connected from %s (%d connected)", client.ID, remoteAddr, count)
	return client, nil
}

// Disconnect unregisters a client and closes its queue. Repeated calls are harmless.
func (h *Hub) Disconnect(client *Client) {
	h.lock.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.lock.Unlock()
		return
	}
	delete(h.clients, client.ID)
	close(client.send)
	count := len(h.clients)
	h.lock.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	log.Info("Client %s disconnected (%d connected)", client.ID, count)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() error {
	h.lock.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.Unlock()

	for _, c := range clients {
		h.Disconnect(c)
	}
	return nil
}

// enqueue queues msg for client without blocking. It must be called with h.lock held for reading
// and returns false if the client's queue is full.
func (h *Hub) enqueue(client *Client, msg []byte) bool {
	if _, ok := h.clients[client.ID]; !ok {
		return true
	}
	select {
	case client.send <- msg:
		return true
	default:
		return false
	}
}

// Send delivers a single event to client. Clients that cannot keep up are disconnected.
func (h *Hub) Send(client *Client, event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		log.Error("Error encoding %s event: %s", event, err)
		return
	}
	h.lock.RLock()
	ok := h.enqueue(client, msg)
	h.lock.RUnlock()
	if !ok {
		metrics.DroppedMessages.Inc()
		log.Warning("Client %s queue full; disconnecting", client.ID)
		h.Disconnect(client)
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		log.Error("Error encoding %s event: %s", event, err)
		return
	}
	var slow []*Client
	h.lock.RLock()
	for _, c := range h.clients {
		if !h.enqueue(c, msg) {
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		metrics.DroppedMessages.Inc()
		log.Warning("Client %s queue full; disconnecting", c.ID)
		h.Disconnect(c)
	}
}

// BroadcastStatus announces address to every connected client.
func (h *Hub) BroadcastStatus(address string, changed bool) {
	message := messageConnected
	if changed {
		message = messageAddressChanged
	}
	log.Info("Broadcasting address %s to %d clients (changed=%v)", address, h.ClientCount(), changed)
	h.Broadcast(EventStatus, &Status{Message: message, Address: address, Changed: changed})
}

// HandleMessage processes one inbound frame from client. Replies go to client only.
func (h *Hub) HandleMessage(client *Client, raw []byte) {
	req, requestData, err := decodeTrack(raw)
	if err != nil {
		metrics.ClientQueries.WithLabelValues(metrics.ResultRejected).Inc()
		log.Debug("Client %s sent invalid request: %s", client.ID, err)
		h.Send(client, EventError, &ErrorMessage{Message: err.Error(), Context: requestData})
		return
	}

	positions, err := h.querier.Query(req.DeviceIDs)
	if err != nil {
		if errors.Is(err, protocol.ErrNoMatchingDevice) {
			metrics.ClientQueries.WithLabelValues(metrics.ResultSkipped).Inc()
		} else {
			metrics.ClientQueries.WithLabelValues(metrics.ResultFailure).Inc()
		}
		h.Send(client, EventError, &ErrorMessage{Message: err.Error(), Context: requestData})
		return
	}
	metrics.ClientQueries.WithLabelValues(metrics.ResultSuccess).Inc()
	h.Send(client, EventUpdate, &Update{Changed: true, Count: len(positions), Data: positions})
}
