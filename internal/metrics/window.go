// Package metrics mantiene la ventana deslizante de emisiones (24h) con
// percentiles y taxonomía de errores, y los collectors Prometheus espejo.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWindow es la ventana de retención de muestras.
const DefaultWindow = 24 * time.Hour

// Sample es una emisión terminada.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Summary es el resumen calculado sobre la ventana. Las duraciones van en ms.
type Summary struct {
	TotalEmissions             int            `json:"totalEmissions"`
	SuccessCount               int            `json:"successCount"`
	FailureCount               int            `json:"failureCount"`
	SuccessRate                float64        `json:"successRate"`
	AvgDurationMs              float64        `json:"avgDuration"`
	P95DurationMs              float64        `json:"p95Duration"`
	P99DurationMs              float64        `json:"p99Duration"`
	ErrorsByType               map[string]int `json:"errorsByType"`
	LastEmission               *time.Time     `json:"lastEmission,omitempty"`
	CertificateDaysUntilExpiry *int           `json:"certificateDaysUntilExpiry,omitempty"`
}

// Window es seguro para uso concurrente.
type Window struct {
	mu      sync.Mutex
	window  time.Duration
	samples []Sample
	certExp *int
	now     func() time.Time
}

func NewWindow(window time.Duration) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Window{window: window, now: time.Now}
}

// WithClock reemplaza el reloj (tests).
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Record agrega una muestra y descarta las que salieron de la ventana.
func (w *Window) Record(success bool, d time.Duration, errMsg string) {
	now := w.now()
	w.mu.Lock()
	w.samples = append(w.samples, Sample{Timestamp: now, Success: success, Duration: d, Error: errMsg})
	w.prune(now)
	w.mu.Unlock()

	result := "success"
	if !success {
		result = "failure"
		if errMsg != "" {
			EmissionErrors.WithLabelValues(CategorizeError(errMsg)).Inc()
		}
	}
	EmissionsTotal.WithLabelValues(result).Inc()
	EmissionDuration.Observe(d.Seconds())
}

// RecordCertificateCheck guarda los días hasta el vencimiento del certificado.
func (w *Window) RecordCertificateCheck(days int) {
	w.mu.Lock()
	w.certExp = &days
	w.mu.Unlock()
	CertificateDaysUntilExpiry.Set(float64(days))
}

// Reset descarta todas las muestras y el último chequeo de certificado.
func (w *Window) Reset() {
	w.mu.Lock()
	w.samples = nil
	w.certExp = nil
	w.mu.Unlock()
}

// Raw retorna una copia de las muestras vigentes.
func (w *Window) Raw() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Summary calcula el resumen sobre las muestras dentro de la ventana.
func (w *Window) Summary() Summary {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	recent := make([]Sample, 0, len(w.samples))
	for _, s := range w.samples {
		if s.Timestamp.After(cutoff) {
			recent = append(recent, s)
		}
	}
	var certExp *int
	if w.certExp != nil {
		v := *w.certExp
		certExp = &v
	}
	w.mu.Unlock()

	sum := Summary{ErrorsByType: map[string]int{}, CertificateDaysUntilExpiry: certExp}
	sum.TotalEmissions = len(recent)
	if len(recent) == 0 {
		return sum
	}

	durations := make([]float64, 0, len(recent))
	var total float64
	var last time.Time
	for _, s := range recent {
		ms := float64(s.Duration) / float64(time.Millisecond)
		durations = append(durations, ms)
		total += ms
		if s.Success {
			sum.SuccessCount++
		} else if s.Error != "" {
			sum.ErrorsByType[CategorizeError(s.Error)]++
		}
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	sum.FailureCount = sum.TotalEmissions - sum.SuccessCount
	sort.Float64s(durations)

	sum.SuccessRate = round2(float64(sum.SuccessCount) / float64(sum.TotalEmissions) * 100)
	sum.AvgDurationMs = math.Round(total / float64(len(durations)))
	sum.P95DurationMs = math.Round(Percentile(durations, 95))
	sum.P99DurationMs = math.Round(Percentile(durations, 99))
	sum.LastEmission = &last
	return sum
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && !w.samples[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0:0], w.samples[i:]...)
	}
}

// Percentile calcula el percentil p (0-100) de values (ordenados ascendente)
// con interpolación lineal entre los rangos vecinos.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := p / 100 * float64(len(values)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return values[lo]
	}
	weight := idx - float64(lo)
	return values[lo]*(1-weight) + values[hi]*weight
}

// CategorizeError clasifica un mensaje de error por substring. El orden importa:
// el primer match gana.
func CategorizeError(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return "timeout"
	case strings.Contains(m, "connection") || strings.Contains(m, "econnrefused"):
		return "connection"
	case strings.Contains(m, "certificate") || strings.Contains(m, "certificado"):
		return "certificate"
	case strings.Contains(m, "xml") || strings.Contains(m, "xsd"):
		return "xml_validation"
	case strings.Contains(m, "unauthorized") || strings.Contains(m, "401"):
		return "authentication"
	case strings.Contains(m, "forbidden") || strings.Contains(m, "403"):
		return "authorization"
	case strings.Contains(m, "bad request") || strings.Contains(m, "400"):
		return "validation"
	case strings.Contains(m, "server error") || strings.Contains(m, "5"):
		return "server_error"
	default:
		return "unknown"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
