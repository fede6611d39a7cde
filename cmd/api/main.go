package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"msggw/internal/awsutil"
	"msggw/internal/campaign"
	"msggw/internal/config"
	"msggw/internal/domain"
	"msggw/internal/flow"
	"msggw/internal/httpapi"
	"msggw/internal/logging"
	"msggw/internal/observability"
	sqsqueue "msggw/internal/queue/sqs"
	"msggw/internal/schedule"
	"msggw/internal/session"
	"msggw/internal/store"
	"msggw/internal/store/pg"
	"msggw/internal/transport"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SQSQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	events := domain.MultiSink{domain.LogSink{}, &pg.EventSink{Store: st}}

	provider := &transport.HTTPClient{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), cfg.ProviderBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	sessions := session.NewManager(provider, session.Options{
		Pairing:  &session.Coordinator{TTL: time.Duration(cfg.QRCodeTTLSeconds) * time.Second},
		Events:   events,
		Limiter:  limiter,
		Breaker:  cb,
		Counters: st,
	})

	engine := flow.NewEngine(flow.NewStoreLoader(st), sessions, flow.EngineOptions{
		Events: events,
	})

	campaigns := campaign.NewDispatcher(sessions, campaign.Options{
		Events: events,
		Saver:  st,
		Base:   ctx,
	})

	scheduler := schedule.NewScheduler(sessions, st, schedule.Options{
		Interval: time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
		Jobs:     st,
		Poll: func(ctx context.Context, job store.PollJob) error {
			events.Publish(ctx, domain.Event{
				Kind: domain.EventPollJobFired, TenantID: job.TenantID, At: time.Now().UTC(),
				Fields: map[string]string{"job_id": job.ID, "kind": job.Kind},
			})
			return nil
		},
	})
	go func() { _ = scheduler.Run(ctx) }()

	// Inbound events come through the queue so retries and ordering are the
	// queue's problem, not the webhook's.
	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("api starting inbound poll", "queue_url", cfg.SQSQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, ev sqsqueue.InboundEvent) error {
			switch ev.Kind {
			case sqsqueue.KindMessage:
				if ev.Message == nil {
					return nil
				}
				msg := *ev.Message
				if msg.TenantID == "" {
					msg.TenantID = ev.TenantID
				}
				if msg.InstanceID == "" {
					msg.InstanceID = ev.InstanceID
				}
				// EvaluateInbound only queues the step onto its keyed runner,
				// and the queue message is deleted once this handler returns.
				// A crash between the two drops the step, so inbound flow
				// processing is at-most-once.
				engine.EvaluateInbound(ctx, msg)
				return nil
			case sqsqueue.KindConnection:
				if ev.Connection == nil {
					return nil
				}
				return sessions.HandleConnectionUpdate(ctx, ev.TenantID, ev.InstanceID, *ev.Connection)
			default:
				slog.Warn("unknown inbound event kind", "kind", ev.Kind)
				return nil
			}
		})
	}()

	s := httpapi.New()
	api := &httpapi.API{
		Sessions:       sessions,
		Engine:         engine,
		Campaigns:      campaigns,
		Scheduler:      scheduler,
		DefaultDelay:   time.Duration(cfg.CampaignDelayMs) * time.Millisecond,
		DefaultRetries: cfg.CampaignMaxRetries,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(httpapi.Metrics(s.Mux)),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("api inbound poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// let in-flight flow work settle before the process exits
	engine.Wait()

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("api shutdown timeout waiting for poll loop")
	}
}
