package gateway_test

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/netid"
	"github.com/niports/tracking-relay/pkg/protocol"
)

type staticAddress struct {
	lock    sync.Mutex
	address string
}

func (s *staticAddress) Current() netid.Identity {
	s.lock.Lock()
	defer s.lock.Unlock()
	return netid.Identity{Address: s.address, ObservedAt: time.Now()}
}

func (s *staticAddress) Set(address string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.address = address
}

// changingAddress broadcasts an address change the first time it is read.
type changingAddress struct {
	hub  *gateway.Hub
	once sync.Once
}

func (c *changingAddress) Current() netid.Identity {
	c.once.Do(func() { c.hub.BroadcastStatus("10.0.0.2", true) })
	return netid.Identity{Address: "10.0.0.1", ObservedAt: time.Now()}
}

func nextEnvelope(client *gateway.Client) gateway.Envelope {
	GinkgoHelper()
	var msg []byte
	Eventually(client.Outbound()).WithTimeout(time.Second).Should(Receive(&msg))
	var env gateway.Envelope
	Expect(json.Unmarshal(msg, &env)).To(Succeed())
	return env
}

func nextStatus(client *gateway.Client) gateway.Status {
	GinkgoHelper()
	env := nextEnvelope(client)
	Expect(env.Event).To(Equal(gateway.EventStatus))
	var status gateway.Status
	Expect(json.Unmarshal(env.Data, &status)).To(Succeed())
	return status
}

func trackRequest(data string) []byte {
	return []byte(`{"event":"track","data":` + data + `}`)
}

var _ = Describe("Hub", func() {
	var (
		positions *cache.PositionCache
		address   *staticAddress
		hub       *gateway.Hub
	)

	BeforeEach(func() {
		positions = cache.New()
		positions.Replace([]protocol.Position{
			{DeviceID: "D1", Latitude: 1.0, Longitude: 2.0},
			{DeviceID: "D2", Latitude: 3.0, Longitude: 4.0},
			{DeviceID: "D3", Latitude: 5.0, Longitude: 6.0},
		})
		address = &staticAddress{address: "10.0.0.1"}
		hub = gateway.NewHub(positions, address)
		DeferCleanup(hub.Close)
	})

	Context("on connect", func() {
		It("pushes the current address with changed=false", func() {
			client, err := hub.Connect("192.0.2.10:5000")
			Expect(err).NotTo(HaveOccurred())
			status := nextStatus(client)
			Expect(status.Address).To(Equal("10.0.0.1"))
			Expect(status.Changed).To(BeFalse())
			Expect(hub.ClientCount()).To(Equal(1))
		})

		It("delivers the greeting before a concurrent address change", func() {
			racing := &changingAddress{}
			racingHub := gateway.NewHub(positions, racing)
			racing.hub = racingHub
			DeferCleanup(racingHub.Close)

			client, err := racingHub.Connect("192.0.2.10:5000")
			Expect(err).NotTo(HaveOccurred())
			status := nextStatus(client)
			Expect(status.Changed).To(BeFalse())
			Expect(status.Address).To(Equal("10.0.0.1"))
			Consistently(client.Outbound()).WithTimeout(50 * time.Millisecond).ShouldNot(Receive())
		})

		It("rejects clients after close", func() {
			Expect(hub.Close()).To(Succeed())
			_, err := hub.Connect("192.0.2.10:5000")
			Expect(err).To(MatchError(gateway.ErrHubClosed))
		})
	})

	Context("track requests", func() {
		var client, other *gateway.Client

		BeforeEach(func() {
			var err error
			client, err = hub.Connect("192.0.2.10:5000")
			Expect(err).NotTo(HaveOccurred())
			other, err = hub.Connect("192.0.2.11:5000")
			Expect(err).NotTo(HaveOccurred())
			nextStatus(client)
			nextStatus(other)
		})

		It("returns the matching records to the requester only", func() {
			hub.HandleMessage(client, trackRequest(`{"deviceIds":["D1"]}`))
			env := nextEnvelope(client)
			Expect(env.Event).To(Equal(gateway.EventUpdate))
			Expect(string(env.Data)).To(MatchJSON(`{"changed":true,"count":1,"data":[{"deviceid":"D1","lat":1.0,"lng":2.0}]}`))
			Consistently(other.Outbound()).Within(50 * time.Millisecond).ShouldNot(Receive())
		})

		It("returns exactly the requested subset", func() {
			hub.HandleMessage(client, trackRequest(`{"deviceIds":["D1","D3"]}`))
			env := nextEnvelope(client)
			var update gateway.Update
			Expect(json.Unmarshal(env.Data, &update)).To(Succeed())
			Expect(update.Count).To(Equal(2))
			ids := []string{update.Data[0].DeviceID, update.Data[1].DeviceID}
			Expect(ids).To(ConsistOf("D1", "D3"))
		})

		It("accepts a bare list of ids", func() {
			hub.HandleMessage(client, trackRequest(`["D2"]`))
			env := nextEnvelope(client)
			Expect(env.Event).To(Equal(gateway.EventUpdate))
		})

		It("reports no matching device as an error", func() {
			hub.HandleMessage(client, trackRequest(`{"deviceIds":["D9"]}`))
			env := nextEnvelope(client)
			Expect(env.Event).To(Equal(gateway.EventError))
			var msg gateway.ErrorMessage
			Expect(json.Unmarshal(env.Data, &msg)).To(Succeed())
			Expect(msg.Message).To(Equal(protocol.ErrNoMatchingDevice.Error()))
			Expect(string(msg.Context)).To(MatchJSON(`{"deviceIds":["D9"]}`))
		})

		It("rejects an empty device list", func() {
			hub.HandleMessage(client, trackRequest(`{"deviceIds":[]}`))
			env := nextEnvelope(client)
			Expect(env.Event).To(Equal(gateway.EventError))
			var msg gateway.ErrorMessage
			Expect(json.Unmarshal(env.Data, &msg)).To(Succeed())
			Expect(msg.Message).To(Equal(protocol.ErrEmptyQuery.Error()))
			Consistently(other.Outbound()).Within(50 * time.Millisecond).ShouldNot(Receive())
		})

		It("rejects a request without data", func() {
			hub.HandleMessage(client, []byte(`{"event":"track"}`))
			Expect(nextEnvelope(client).Event).To(Equal(gateway.EventError))
		})

		It("rejects malformed frames and keeps the client connected", func() {
			hub.HandleMessage(client, []byte(`not json`))
			Expect(nextEnvelope(client).Event).To(Equal(gateway.EventError))
			hub.HandleMessage(client, []byte(`{"event":"subscribe","data":{}}`))
			Expect(nextEnvelope(client).Event).To(Equal(gateway.EventError))
			Expect(hub.ClientCount()).To(Equal(2))
		})

		It("serves the snapshot that follows a replacement", func() {
			positions.Replace([]protocol.Position{{DeviceID: "D4"}})
			hub.HandleMessage(client, trackRequest(`{"deviceIds":["D1"]}`))
			Expect(nextEnvelope(client).Event).To(Equal(gateway.EventError))
			hub.HandleMessage(client, trackRequest(`{"deviceIds":["D4"]}`))
			Expect(nextEnvelope(client).Event).To(Equal(gateway.EventUpdate))
		})
	})

	Context("address changes", func() {
		It("broadcasts the new address to every client", func() {
			first, _ := hub.Connect("192.0.2.10:5000")
			Expect(nextStatus(first).Address).To(Equal("10.0.0.1"))
			second, _ := hub.Connect("192.0.2.11:5000")
			Expect(nextStatus(second).Address).To(Equal("10.0.0.1"))

			address.Set("10.0.0.2")
			hub.BroadcastStatus("10.0.0.2", true)

			for _, c := range []*gateway.Client{first, second} {
				status := nextStatus(c)
				Expect(status.Address).To(Equal("10.0.0.2"))
				Expect(status.Changed).To(BeTrue())
			}

			late, _ := hub.Connect("192.0.2.12:5000")
			status := nextStatus(late)
			Expect(status.Address).To(Equal("10.0.0.2"))
			Expect(status.Changed).To(BeFalse())
		})
	})

	Context("slow clients", func() {
		It("are disconnected when their queue overflows", func() {
			hub.QueueSize = 2
			slow, _ := hub.Connect("192.0.2.10:5000") // Status fills one slot.
			hub.BroadcastStatus("10.0.0.2", true)
			hub.BroadcastStatus("10.0.0.3", true)
			Expect(hub.ClientCount()).To(Equal(0))

			var received int
			for range slow.Outbound() {
				received++
			}
			Expect(received).To(Equal(2))
		})
	})

	Context("disconnect", func() {
		It("closes the queue and is idempotent", func() {
			client, _ := hub.Connect("192.0.2.10:5000")
			nextStatus(client)
			hub.Disconnect(client)
			hub.Disconnect(client)
			Eventually(client.Outbound()).Should(BeClosed())
			Expect(hub.ClientCount()).To(Equal(0))
		})
	})
})
