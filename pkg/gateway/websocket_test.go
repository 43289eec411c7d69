package gateway_test

import (
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/protocol"
)

var _ = Describe("WebSocketHandler", func() {
	var (
		hub    *gateway.Hub
		server *httptest.Server
	)

	dial := func() *websocket.Conn {
		GinkgoHelper()
		url := "ws" + strings.TrimPrefix(server.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { conn.Close() })
		return conn
	}

	read := func(conn *websocket.Conn) gateway.Envelope {
		GinkgoHelper()
		var env gateway.Envelope
		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		Expect(conn.ReadJSON(&env)).To(Succeed())
		return env
	}

	BeforeEach(func() {
		positions := cache.New()
		positions.Replace([]protocol.Position{{DeviceID: "D1", Latitude: 1.0, Longitude: 2.0}})
		hub = gateway.NewHub(positions, &staticAddress{address: "10.0.0.1"})
		server = httptest.NewServer(gateway.NewWebSocketHandler(hub, nil))
		DeferCleanup(func() {
			hub.Close()
			server.Close()
		})
	})

	It("greets, answers queries and broadcasts over the socket", func() {
		conn := dial()
		env := read(conn)
		Expect(env.Event).To(Equal(gateway.EventStatus))
		Expect(string(env.Data)).To(MatchJSON(`{"message":"connected","address":"10.0.0.1","changed":false}`))

		Expect(conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"track","data":{"deviceIds":["D1"]}}`))).To(Succeed())
		env = read(conn)
		Expect(env.Event).To(Equal(gateway.EventUpdate))
		Expect(string(env.Data)).To(MatchJSON(`{"changed":true,"count":1,"data":[{"deviceid":"D1","lat":1.0,"lng":2.0}]}`))

		hub.BroadcastStatus("10.0.0.2", true)
		env = read(conn)
		Expect(env.Event).To(Equal(gateway.EventStatus))
		Expect(string(env.Data)).To(ContainSubstring(`"changed":true`))
	})

	It("unregisters clients that hang up", func() {
		conn := dial()
		read(conn)
		Eventually(hub.ClientCount).Should(Equal(1))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		Eventually(hub.ClientCount).Should(Equal(0))
	})

	It("closes sockets when the hub shuts down", func() {
		conn := dial()
		read(conn)
		hub.Close()
		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, _, err := conn.ReadMessage()
		Expect(websocket.IsCloseError(err, websocket.CloseNormalClosure)).To(BeTrue())
	})
})
