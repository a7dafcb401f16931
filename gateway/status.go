package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry keeps the gateway's metrics out of the default registry so tests
// can run several gateways in one process.
var (
	registry = prometheus.NewRegistry()

	sessionsTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_total",
		Help: "Number of IRC client sessions served",
	})
	messagesIn = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_in_total",
		Help: "Messages received from contacts",
	})
	messagesOut = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_out_total",
		Help: "Messages sent to contacts",
	})
	contactsOnline = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "gateway_contacts_online",
		Help: "Contacts currently reachable",
	})
	commandsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_total",
		Help: "Control commands received",
	}, []string{"command"})
)

// StatusServer is the optional HTTP sidecar exposing gateway state and
// Prometheus metrics.
type StatusServer struct {
	e *echo.Echo
	g *Gateway
}

type statusResponse struct {
	Online          bool `json:"online"`
	ClientConnected bool `json:"client_connected"`
	Contacts        int  `json:"contacts"`
	ContactsOnline  int  `json:"contacts_online"`
	PendingRequests int  `json:"pending_requests"`
}

// NewStatusServer builds the sidecar for a gateway.
func NewStatusServer(g *Gateway) *StatusServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &StatusServer{e: e, g: g}
	e.GET("/status", s.status)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return s
}

// Start blocks serving HTTP on addr.
func (s *StatusServer) Start(addr string) error {
	return s.e.Start(addr)
}

// Close shuts the HTTP listener down.
func (s *StatusServer) Close() error {
	return s.e.Close()
}

func (s *StatusServer) status(c echo.Context) error {
	contacts, err := s.g.backend.Contacts()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	reqs, err := s.g.backend.Requests()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := statusResponse{
		Online:          s.g.backend.Online(),
		ClientConnected: len(s.g.server.LoggedInConnections()) > 0,
		Contacts:        len(contacts),
		PendingRequests: len(reqs),
	}
	for _, contact := range contacts {
		if contact.Online {
			resp.ContactsOnline++
		}
	}
	return c.JSON(http.StatusOK, resp)
}
