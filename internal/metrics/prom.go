package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors Prometheus del motor. Viven en un paquete aparte para que xmldoc,
// emission y webhook los usen sin depender del paquete http.

var (
	EmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfsegate_emissions_total",
		Help: "Emisiones terminadas por resultado",
	}, []string{"result"}) // result: success|failure

	EmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nfsegate_emission_duration_seconds",
		Help:    "Duración de Emit de punta a punta, incluyendo reintentos",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128, 300},
	})

	EmissionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfsegate_emission_errors_total",
		Help: "Emisiones fallidas por categoría de error",
	}, []string{"category"})

	XMLReorderFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfsegate_xml_reorder_fallback_total",
		Help: "Documentos que no se pudieron parsear al reordenar y se enviaron sin cambios",
	})

	CertificateDaysUntilExpiry = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nfsegate_certificate_days_until_expiry",
		Help: "Días hasta el vencimiento del certificado mTLS",
	})

	SignRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfsegate_sign_requests_total",
		Help: "Solicitudes de firma remota por estado terminal",
	}, []string{"status"})

	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfsegate_webhook_events_total",
		Help: "Eventos de webhook por tipo y resultado",
	}, []string{"type", "outcome"}) // outcome: success|failed|rejected|duplicate
)

// Register registra los collectors en reg (o el default si es nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		EmissionsTotal,
		EmissionDuration,
		EmissionErrors,
		XMLReorderFallbacks,
		CertificateDaysUntilExpiry,
		SignRequestsTotal,
		WebhookEventsTotal,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
