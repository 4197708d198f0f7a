package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of requests by path, method and status_code.",
	}, []string{"path", "method", "status_code"})
	HttpRequestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_requests_duration",
		Help: "Duration of HTTP requests in seconds by path and method.",
	}, []string{"path", "method"})

	RevealsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resolver_reveals_queued_total",
		Help: "Total number of reveals admitted into the queue.",
	})
	TxBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resolver_tx_broadcast_total",
		Help: "Total number of resolution transactions broadcast.",
	})
	TxRebroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resolver_tx_rebroadcast_total",
		Help: "Total number of fee-escalated rebroadcasts of stuck transactions.",
	})
	TxConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resolver_tx_confirmed_total",
		Help: "Total number of reveal transactions confirmed and settled.",
	})
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resolver_queue_length",
		Help: "Queue entries seen by the last execute tick.",
	})
	PendingLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resolver_pending_length",
		Help: "Pending transactions seen by the last monitor tick.",
	})
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resolver_task_duration",
		Help:    "Duration of scheduled tasks in seconds by task.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 6),
	}, []string{"task"})
	TaskErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_task_errors_total",
		Help: "Total number of failed scheduled task runs by task.",
	}, []string{"task"})
)

// HttpMiddleware implements mux.MiddlewareFunc.
// This middleware uses the path template, so the label value will be /obj/{id} rather than /obj/123 which would risk a cardinality explosion.
func HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := mux.CurrentRoute(r)
		path, err := route.GetPathTemplate()
		if err != nil {
			path = "UNDEFINED"
		}
		method := strings.ToUpper(r.Method)
		d := &responseWriterDelegator{ResponseWriter: w}
		next.ServeHTTP(d, r)
		status := strconv.Itoa(d.status)
		HttpRequestsTotal.WithLabelValues(path, method, status).Inc()
		HttpRequestsDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	})
}

type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Serve serves prometheus metrics on the given address under /metrics
func Serve(addr string) error {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>prometheus-metrics</title></head>
<body>
<h1>prometheus-metrics</h1>
<p><a href='/metrics'>metrics</a></p>
</body>
</html>`))
	}))
	srv := &http.Server{
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		Handler:      router,
		Addr:         addr,
	}

	return srv.ListenAndServe()
}
