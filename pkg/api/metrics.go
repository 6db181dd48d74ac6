package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the API's Prometheus collectors.
type metrics struct {
	authFailures *prometheus.CounterVec
	logins       *prometheus.CounterVec
	roleGrants   *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them with reg.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genomewiz_auth_failures_total",
			Help: "Rejected requests by error code.",
		}, []string{"code"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genomewiz_logins_total",
			Help: "OAuth login attempts by outcome.",
		}, []string{"outcome"}),
		roleGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genomewiz_role_grants_total",
			Help: "Role grants that created a new membership.",
		}, []string{"role"}),
	}

	reg.MustRegister(m.authFailures, m.logins, m.roleGrants)

	return m
}
