package main

import (
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"fleet-resolver/handlers"
	"fleet-resolver/kvstore"
	"fleet-resolver/ledger"
	"fleet-resolver/metrics"
	"fleet-resolver/rpc"
	"fleet-resolver/scheduler"
	"fleet-resolver/services"
	"fleet-resolver/types"
	"fleet-resolver/utils"
	"fleet-resolver/version"

	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/phyber/negroni-gzip/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to the config file, if empty string defaults will be used")
	flag.Parse()

	cfg := &types.Config{}
	err := utils.ReadConfig(cfg, *configPath)
	if err != nil {
		logrus.Fatalf("error reading config file: %v", err)
	}
	utils.Config = cfg
	logrus.WithField("config", *configPath).WithField("version", version.Version).Printf("starting")

	if cfg.Chain.Endpoint == "" || cfg.Chain.GameContract == "" || cfg.Chain.PaymentContract == "" {
		logrus.Fatal("invalid chain configuration specified, you must specify the endpoint, game contract and payment contract")
	}
	if cfg.Resolver.OperatorPrivateKey == "" {
		logrus.Fatal("no operator private key specified")
	}
	applyDefaults(cfg)

	if cfg.Pprof.Enabled {
		go func() {
			logrus.Infof("starting pprof http server on port %s", cfg.Pprof.Port)
			logrus.Info(http.ListenAndServe(fmt.Sprintf("0.0.0.0:%s", cfg.Pprof.Port), nil))
		}()
	}

	store, err := kvstore.NewLevelDB(cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("error opening storage: %v", err)
	}
	defer store.Close()

	client, err := rpc.NewResolverClient(cfg)
	if err != nil {
		logrus.Fatalf("error creating resolver client: %v", err)
	}

	schedule, err := defaultFeeSchedule(cfg)
	if err != nil {
		logrus.Fatalf("error parsing default fee schedule: %v", err)
	}
	ldg, err := ledger.New(store, schedule)
	if err != nil {
		logrus.Fatalf("error creating ledger: %v", err)
	}

	var tip *big.Int
	if cfg.Resolver.MaxPriorityFeePerGas > 0 {
		tip = new(big.Int).SetUint64(cfg.Resolver.MaxPriorityFeePerGas)
	}
	svc := scheduler.New(store, client, ldg, scheduler.Config{
		GasEstimate:          cfg.Resolver.GasEstimate,
		FinalityDepth:        cfg.Chain.FinalityDepth,
		RetryCapSeconds:      cfg.Resolver.RetryCapSeconds,
		BatchSize:            cfg.Resolver.BatchSize,
		MaxPriorityFeePerGas: tip,
	})

	handlers.Init(svc, ldg)
	services.Init(svc, cfg)

	router := mux.NewRouter()
	apiV1Router := router.PathPrefix("/api/v1").Subrouter()
	apiV1Router.HandleFunc("/register", handlers.Register).Methods("POST", "OPTIONS")
	apiV1Router.HandleFunc("/feeschedule", handlers.SetFeeSchedule).Methods("POST", "OPTIONS")
	apiV1Router.HandleFunc("/reveal", handlers.QueueReveal).Methods("POST", "OPTIONS")
	apiV1Router.HandleFunc("/account/{address}", handlers.Account).Methods("GET", "OPTIONS")
	apiV1Router.HandleFunc("/queue", handlers.GetQueue).Methods("GET", "OPTIONS")
	apiV1Router.HandleFunc("/pending", handlers.GetPendingTransactions).Methods("GET", "OPTIONS")
	apiV1Router.HandleFunc("/tx/{fleetId}", handlers.GetTransactionInfo).Methods("GET", "OPTIONS")
	apiV1Router.HandleFunc("/execute", handlers.Execute).Methods("POST", "OPTIONS")
	apiV1Router.HandleFunc("/checkPendingTransactions", handlers.CheckPendingTransactions).Methods("POST", "OPTIONS")
	apiV1Router.HandleFunc("/syncAccountBalances", handlers.SyncAccountBalances).Methods("POST", "OPTIONS")
	apiV1Router.Use(metrics.HttpMiddleware)

	n := negroni.New(negroni.NewRecovery())
	n.Use(gzip.Gzip(gzip.DefaultCompression))
	n.UseHandler(router)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      n,
	}

	g := errgroup.Group{}
	g.Go(func() error {
		logrus.Infof("http server listening on %s", srv.Addr)
		return srv.ListenAndServe()
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logrus.Infof("serving metrics on %v", cfg.Metrics.Address)
			return metrics.Serve(cfg.Metrics.Address)
		})
	}
	if err := g.Wait(); err != nil {
		logrus.Fatalf("server error: %v", err)
	}
}

func applyDefaults(cfg *types.Config) {
	if cfg.Resolver.GasEstimate == 0 {
		cfg.Resolver.GasEstimate = 500000
	}
	if cfg.Resolver.GasLimit == 0 {
		cfg.Resolver.GasLimit = 1000000
	}
	if cfg.Chain.FinalityDepth == 0 {
		cfg.Chain.FinalityDepth = 12
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "resolver-data"
	}
}

func defaultFeeSchedule(cfg *types.Config) ([]types.FeeTier, error) {
	if len(cfg.Resolver.DefaultFeeSchedule) == 0 {
		return []types.FeeTier{
			{Delay: 0, MaxFeePerGas: big.NewInt(1000000000)},   // 1 gwei
			{Delay: 180, MaxFeePerGas: big.NewInt(2000000000)}, // 2 gwei
			{Delay: 600, MaxFeePerGas: big.NewInt(5000000000)}, // 5 gwei
		}, nil
	}
	tiers := make([]types.FeeTier, 0, len(cfg.Resolver.DefaultFeeSchedule))
	for _, t := range cfg.Resolver.DefaultFeeSchedule {
		fee, ok := new(big.Int).SetString(t.MaxFeePerGas, 10)
		if !ok {
			return nil, errors.Errorf("invalid maxFeePerGas %q in default fee schedule", t.MaxFeePerGas)
		}
		tiers = append(tiers, types.FeeTier{Delay: t.Delay, MaxFeePerGas: fee})
	}
	return tiers, nil
}
