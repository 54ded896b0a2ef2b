// Command cutcored runs the cutting core: the optimization engine and its
// worker pool, document locks, notifications, the activity feed and the
// broker bridge, all wired over one MongoDB database and one Redis
// connection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/cutfactor/cutcore/activity"
	"github.com/cutfactor/cutcore/audit"
	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/engine"
	"github.com/cutfactor/cutcore/events"
	"github.com/cutfactor/cutcore/events/pulse"
	"github.com/cutfactor/cutcore/locks"
	"github.com/cutfactor/cutcore/notify"
	"github.com/cutfactor/cutcore/pool"
	"github.com/cutfactor/cutcore/registry"
	"github.com/cutfactor/cutcore/store"
	mongostore "github.com/cutfactor/cutcore/store/mongo"
	"github.com/cutfactor/cutcore/telemetry"
	"github.com/cutfactor/cutcore/tenant"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration (defaults apply when empty)")
		adminF   = flag.String("admin", ":8081", "Admin listen address (health endpoints)")
		tenantsF = flag.String("tenants", "", "Comma-separated tenant IDs the lock reaper sweeps")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := config.Default()
	if *configF != "" {
		var err error
		cfg, err = config.Load(*configF)
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Persistence and broker connections.
	var (
		mongoClient *mongodriver.Client
		st          *mongostore.Store
		rdb         *redis.Client
	)
	{
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout())
		defer cancel()
		var err error
		mongoClient, err = mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongodb %s", cfg.Mongo.URI)
		}
		st, err = mongostore.New(mongostore.Options{
			Client:   mongoClient,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout(),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}

		redisOpts, err := redis.ParseURL(cfg.Broker.URL)
		if err != nil {
			log.Fatalf(ctx, err, "parse broker url %s", cfg.Broker.URL)
		}
		rdb = redis.NewClient(redisOpts)
	}

	// Core services.
	var (
		bus         *events.Bus
		workers     *pool.Pool
		eng         *engine.Engine
		engConsumer *engine.Consumer
		lockSvc     *locks.Service
		notifySvc   *notify.Service
		activitySvc *activity.Service
		auditSvc    *audit.Service
	)
	{
		bus = events.NewBus(events.WithLogger(logger))

		poolOpts := append(engine.Runners(), pool.WithLogger(logger))
		workers = pool.New(cfg.Pool, poolOpts...)

		var err error
		eng, err = engine.New(engine.Options{
			Store:   st,
			Pool:    workers,
			Bus:     bus,
			Logger:  logger,
			Metrics: metrics,
			Config:  cfg.Optimization,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		engConsumer, err = engine.NewConsumer(eng, bus, logger)
		if err != nil {
			log.Fatal(ctx, err)
		}

		lockSvc, err = locks.New(locks.Options{
			Store:   st,
			Bus:     bus,
			Logger:  logger,
			Metrics: metrics,
			Config:  cfg.Locks,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}

		notifySvc, err = notify.New(notify.Options{
			Store:   st,
			Logger:  logger,
			Metrics: metrics,
			Config:  cfg.Notifications,
			Adapters: []notify.Adapter{
				notify.NewInApp(),
			},
		})
		if err != nil {
			log.Fatal(ctx, err)
		}

		activitySvc, err = activity.New(activity.Options{
			Store:    st,
			Bus:      bus,
			Notifier: notifySvc,
			Logger:   logger,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}

		auditSvc, err = audit.New(audit.Options{Store: st, Logger: logger})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	// Broker bridge: forward local events out, replay remote events in.
	var (
		relay          *pulse.Relay
		brokerConsumer *pulse.Consumer
	)
	{
		client, err := pulse.New(pulse.Options{
			Redis:            rdb,
			OperationTimeout: cfg.Broker.AckTimeout(),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		relay, err = pulse.NewRelay(pulse.RelayOptions{
			Client:  client,
			Bus:     bus,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		brokerConsumer, err = pulse.NewConsumer(pulse.ConsumerOptions{
			Client:  client,
			Bus:     bus,
			Logger:  logger,
			Metrics: metrics,
			Config:  cfg.Broker,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	reg := registry.New()
	wireServices(reg, eng, lockSvc, activitySvc, auditSvc)
	wireNotifications(bus, notifySvc)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	runCtx, cancel := context.WithCancel(ctx)

	engSub := engConsumer.Start()
	relay.Start()
	if err := brokerConsumer.Start(runCtx); err != nil {
		log.Fatal(ctx, err)
	}
	if tenants := splitTenants(*tenantsF); len(tenants) > 0 {
		go lockSvc.RunReaper(runCtx, tenants)
	}

	admin := &http.Server{Addr: *adminF, Handler: adminMux(st)}
	go func() {
		log.Printf(ctx, "admin listening on %s", *adminF)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "cutcored started, services: %s", strings.Join(reg.Services(), ", "))
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Stop intake first, then drain, then drop connections.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)
	brokerConsumer.Stop(shutdownCtx)
	relay.Stop()
	bus.Unsubscribe(engSub)
	if err := workers.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "drain worker pool")
	}
	if err := rdb.Close(); err != nil {
		log.Errorf(ctx, err, "close redis")
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "disconnect mongodb")
	}
	log.Printf(ctx, "exited")
}

// lockRequest is the envelope body for lock operations.
type lockRequest struct {
	DocumentType string
	DocumentID   string
	UserID       string
	Metadata     string
}

// wireServices exposes the core operations over the intra-process envelope
// so modules call each other by service name instead of importing one
// another.
func wireServices(reg *registry.Registry, eng *engine.Engine, lockSvc *locks.Service, activitySvc *activity.Service, auditSvc *audit.Service) {
	reg.Register("optimization", "POST", "/runs", func(ctx context.Context, req registry.Request) (any, error) {
		in, ok := req.Data.(engine.RunInput)
		if !ok {
			return nil, domain.E(domain.KindValidation, "expected engine.RunInput data")
		}
		return eng.Run(ctx, in)
	})
	reg.Register("locks", "POST", "/acquire", func(ctx context.Context, req registry.Request) (any, error) {
		in, ok := req.Data.(lockRequest)
		if !ok {
			return nil, domain.E(domain.KindValidation, "expected lock request data")
		}
		return lockSvc.Acquire(ctx, domain.LockableDocumentType(in.DocumentType), in.DocumentID, in.UserID, in.Metadata)
	})
	reg.Register("locks", "POST", "/release", func(ctx context.Context, req registry.Request) (any, error) {
		in, ok := req.Data.(lockRequest)
		if !ok {
			return nil, domain.E(domain.KindValidation, "expected lock request data")
		}
		return lockSvc.Release(ctx, domain.LockableDocumentType(in.DocumentType), in.DocumentID, in.UserID)
	})
	reg.Register("activity", "GET", "/feed", func(ctx context.Context, req registry.Request) (any, error) {
		f, ok := req.Data.(store.ActivityFilter)
		if !ok {
			return nil, domain.E(domain.KindValidation, "expected activity filter data")
		}
		return activitySvc.Feed(ctx, f)
	})
	reg.Register("audit", "GET", "/logs", func(ctx context.Context, req registry.Request) (any, error) {
		f, ok := req.Data.(store.AuditFilter)
		if !ok {
			return nil, domain.E(domain.KindValidation, "expected audit filter data")
		}
		return auditSvc.Query(ctx, f)
	})
}

// wireNotifications reacts to bus events that name a recipient. A forced
// lock release tells the previous holder they lost the document.
func wireNotifications(bus *events.Bus, svc *notify.Service) {
	bus.Subscribe(events.TypeLockReleased, func(ctx context.Context, evt events.Event) error {
		p, ok := evt.Payload.(events.LockChanged)
		if !ok || !p.Forced || p.UserID == "" {
			return nil
		}
		if evt.TenantID != "" {
			ctx = tenant.WithTenant(ctx, evt.TenantID)
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = svc.Dispatch(ctx, evt.Type, []string{p.UserID}, string(payload))
		return err
	})
}

// adminMux serves liveness and readiness. Readiness pings MongoDB.
func adminMux(st *mongostore.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(st)))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func splitTenants(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
