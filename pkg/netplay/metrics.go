package netplay

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// sessionMetrics holds every counter a Session exposes. Lazily built the
// first time it's needed, the way api0.apiMetrics is: most sessions never
// call WritePrometheus at all, and constructing a *metrics.Set up front for
// every session would be wasted work.
type sessionMetrics struct {
	set *metrics.Set

	holepunch_cycles_total        *metrics.Counter
	holepunch_confirmations_total *metrics.Counter
	broadcast_frames_sent_total   *metrics.Counter
	session_errors_total          func(kind string) *metrics.Counter
}

// Metrics returns the session's metric set directly, for a caller that wants
// to merge it into a larger registry instead of writing it standalone.
func (s *Session) Metrics() *metrics.Set {
	return s.m().set
}

// WritePrometheus writes every counter in Prometheus text exposition format.
func (s *Session) WritePrometheus(w io.Writer) {
	s.m().set.WritePrometheus(w)
}

// m gets the metrics objects for s, building them on first use so typos in a
// field name fail to compile instead of silently producing an empty series.
func (s *Session) m() *sessionMetrics {
	s.metricsInit.Do(func() {
		mo := &s.metricsObj
		mo.set = metrics.NewSet()
		mo.holepunch_cycles_total = mo.set.NewCounter(`netplay_holepunch_cycles_total`)
		mo.holepunch_confirmations_total = mo.set.NewCounter(`netplay_holepunch_confirmations_total`)
		mo.broadcast_frames_sent_total = mo.set.NewCounter(`netplay_broadcast_frames_sent_total`)
		mo.session_errors_total = func(kind string) *metrics.Counter {
			return mo.set.GetOrCreateCounter(fmt.Sprintf(`netplay_session_errors_total{kind=%q}`, kind))
		}
	})
	return &s.metricsObj
}
