package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// acceptingWSServer mirrors manager_test.go's newAcceptingWSServer, built
// without *testing.T so it can be used from Ginkgo specs too.
func acceptingWSServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
}

var _ = Describe("EndpointManager", func() {
	var srv *httptest.Server

	AfterEach(func() {
		if srv != nil {
			srv.Close()
		}
	})

	Describe("Registry", func() {
		It("reports a 1 gauge for a connected endpoint and 0 after Cleanup", func() {
			ws := acceptingWSServer()
			srv = ws

			m, err := New([]gwtypes.EndpointConfig{{URL: wsURL(ws.URL)}}, nil, nil, nil, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.Connect(context.Background())).To(Succeed())
			Eventually(func() float64 {
				return testutil.ToFloat64(m.metrics.connected.WithLabelValues(wsURL(ws.URL)))
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(1.0))

			Expect(m.Cleanup()).To(Succeed())
			Expect(testutil.ToFloat64(m.metrics.connected.WithLabelValues(wsURL(ws.URL)))).To(Equal(0.0))
		})

		It("exposes the registry backing the gauges", func() {
			m, err := New(nil, nil, nil, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Registry()).NotTo(BeNil())
		})
	})

	Describe("dynamic reconfiguration", func() {
		It("refuses AddEndpoint and RemoveEndpoint", func() {
			m, err := New(nil, nil, nil, nil, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.AddEndpoint(gwtypes.EndpointConfig{URL: "ws://x"})).To(MatchError(gwtypes.ErrNotSupported))
			Expect(m.RemoveEndpoint("ws://x")).To(MatchError(gwtypes.ErrNotSupported))
		})
	})
})
