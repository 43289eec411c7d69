package relay_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/niports/tracking-relay/pkg/account"
	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/netid"
	"github.com/niports/tracking-relay/pkg/protocol"
	"github.com/niports/tracking-relay/pkg/relay"
)

type fakeSession struct {
	lock  sync.Mutex
	state account.State
}

func (f *fakeSession) State() account.State {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

type fixedAddress string

func (f fixedAddress) Current() netid.Identity {
	return netid.Identity{Address: string(f), ObservedAt: time.Now()}
}

var _ = Describe("Server", func() {
	var (
		session   *fakeSession
		positions *cache.PositionCache
		hub       *gateway.Hub
		server    *relay.Server
	)

	sendRequest := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		return rr
	}

	BeforeEach(func() {
		session = &fakeSession{state: account.StateAuthenticated}
		positions = cache.New()
		positions.Replace([]protocol.Position{
			{DeviceID: "D1", Latitude: 1.0, Longitude: 2.0},
			{DeviceID: "D2", Latitude: 3.0, Longitude: 4.0},
		})
		hub = gateway.NewHub(positions, fixedAddress("10.0.0.1"))
		server = relay.New(session, positions, fixedAddress("10.0.0.1"), hub, nil)
		DeferCleanup(hub.Close)
	})

	Context("health", func() {
		It("reports the relay state", func() {
			rr := sendRequest(http.MethodGet, "/healthz")
			Expect(rr.Code).To(Equal(http.StatusOK))
			var reply struct {
				Response relay.Health `json:"response"`
			}
			Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
			Expect(reply.Response.Session).To(Equal("authenticated"))
			Expect(reply.Response.Address).To(Equal("10.0.0.1"))
			Expect(reply.Response.Devices).To(Equal(2))
			Expect(reply.Response.Clients).To(Equal(0))
		})

		It("is unavailable until the upstream session is established", func() {
			session.state = account.StateAuthenticating
			rr := sendRequest(http.MethodGet, "/healthz")
			Expect(rr.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rr.Body.String()).To(ContainSubstring(`"session":"authenticating"`))
		})
	})

	Context("positions", func() {
		It("exports the whole snapshot", func() {
			rr := sendRequest(http.MethodGet, "/api/positions")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Header().Get("Content-Type")).To(Equal("application/json"))
			var snapshot cache.Snapshot
			Expect(json.Unmarshal(rr.Body.Bytes(), &snapshot)).To(Succeed())
			Expect(snapshot.Positions).To(HaveLen(2))
		})

		It("filters by device id", func() {
			rr := sendRequest(http.MethodGet, "/api/positions?ids=D2,D9")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"response":[{"deviceid":"D2","lat":3.0,"lng":4.0}]}`))
		})

		It("returns not found when no device matches", func() {
			rr := sendRequest(http.MethodGet, "/api/positions?ids=D9")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
			Expect(rr.Body.String()).To(MatchJSON(`{"error":"no matching device"}`))
		})

		It("rejects an empty filter", func() {
			rr := sendRequest(http.MethodGet, "/api/positions?ids=")
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("routing", func() {
		It("returns JSON errors for unknown paths", func() {
			rr := sendRequest(http.MethodGet, "/api/1/vehicles")
			Expect(rr.Code).To(Equal(http.StatusNotFound))
			Expect(rr.Body.String()).To(MatchJSON(`{"error":"Not Found"}`))
		})

		It("rejects unsupported methods", func() {
			rr := sendRequest(http.MethodPost, "/healthz")
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("serves metrics", func() {
			rr := sendRequest(http.MethodGet, "/metrics")
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring("tracking_relay_"))
		})

		It("answers CORS preflight requests", func() {
			req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
			req.Header.Set("Origin", "https://dispatch.example.com")
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)
			Expect(rr.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Context("serving", func() {
		It("accepts WebSocket clients and shuts down when the context ends", func() {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- server.Serve(ctx, listener) }()

			url := "ws://" + listener.Addr().String() + "/ws"
			var conn *websocket.Conn
			Eventually(func() error {
				conn, _, err = websocket.DefaultDialer.Dial(url, nil)
				return err
			}).Should(Succeed())
			defer conn.Close()

			var env gateway.Envelope
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			Expect(conn.ReadJSON(&env)).To(Succeed())
			Expect(env.Event).To(Equal(gateway.EventStatus))

			rsp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			rsp.Body.Close()
			Expect(rsp.StatusCode).To(Equal(http.StatusOK))

			cancel()
			Eventually(served).WithTimeout(5 * time.Second).Should(Receive(BeNil()))
			Expect(hub.ClientCount()).To(Equal(0))
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, _, err = conn.ReadMessage()
			Expect(err).To(HaveOccurred())
		})
	})
})
