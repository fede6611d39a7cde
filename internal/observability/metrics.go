package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	SessionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "msggw_sessions", Help: "Live sessions by status"},
		[]string{"status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_sends_total", Help: "Outbound send outcomes"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "msggw_send_latency_seconds", Help: "Provider send latency"},
	)
	FlowTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_flow_triggers_total", Help: "Flow trigger matches"},
		[]string{"match"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_inbound_events_total", Help: "Inbound provider events"},
		[]string{"kind"},
	)
	CampaignRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_campaign_recipients_total", Help: "Campaign recipient outcomes"},
		[]string{"result"},
	)
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_scheduler_ticks_total", Help: "Scheduler tick results"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msggw_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, SessionsByStatus, Sends, SendLatency,
		FlowTriggers, InboundEvents, CampaignRecipients, SchedulerTicks, Enqueues)
}
