// Command otpd runs one or more cluster components (message director,
// state server, client agent, database server) in a single process,
// mirroring go-server-3/cmd/odin-ws's entry point shape: load config,
// build the shared logger/metrics registry, start every enabled
// component, serve /metrics, and shut down on signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"otpcluster/internal/accountkv"
	"otpcluster/internal/ca"
	"otpcluster/internal/config"
	"otpcluster/internal/dbserver"
	"otpcluster/internal/dclass"
	"otpcluster/internal/logging"
	"otpcluster/internal/md"
	"otpcluster/internal/mdconn"
	"otpcluster/internal/metrics"
	"otpcluster/internal/ss"
	"otpcluster/internal/topology"
)

func main() {
	noMD := flag.Bool("no-messagedirector", false, "disable the message director")
	noCA := flag.Bool("no-clientagent", false, "disable the client agent")
	noSS := flag.Bool("no-stateserver", false, "disable the state server")
	noDB := flag.Bool("no-database", false, "disable the database server")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	// automaxprocs has already set GOMAXPROCS from the container's CPU
	// quota by the time this import side-effect runs.
	logger.Info("runtime", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	reg := metrics.NewRegistry()
	catalog := buildCatalog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mdServer *md.Server
	if !*noMD {
		mdServer = md.NewServer(cfg.MessageDirector, logger, reg)
		if err := mdServer.Start(ctx); err != nil {
			logger.Fatal("message director start failed", zap.Error(err))
		}
		logger.Info("message director listening", zap.String("addr", cfg.MessageDirector.Address))
	}

	var ssServer *ss.Server
	if !*noSS {
		ssAddr := fmt.Sprintf("%s:%d", cfg.StateServer.ConnectAddress, cfg.StateServer.ConnectPort)
		bus, err := mdconn.Dial(ssAddr, logger)
		if err != nil {
			logger.Fatal("stateserver dial failed", zap.Error(err))
		}
		ssServer = ss.NewServer(cfg.StateServer, bus, catalog, logger, reg)
		if err := ssServer.Start(); err != nil {
			logger.Fatal("stateserver start failed", zap.Error(err))
		}
		logger.Info("state server joined message director")
	}

	var dbServer *dbserver.Server
	if !*noDB {
		dbAddr := fmt.Sprintf("%s:%d", cfg.Database.ConnectAddress, cfg.Database.ConnectPort)
		bus, err := mdconn.Dial(dbAddr, logger)
		if err != nil {
			logger.Fatal("database dial failed", zap.Error(err))
		}
		dbServer, err = dbserver.NewServer(cfg.Database, bus, catalog, logger, reg)
		if err != nil {
			logger.Fatal("database init failed", zap.Error(err))
		}
		if err := dbServer.Start(); err != nil {
			logger.Fatal("database start failed", zap.Error(err))
		}
		logger.Info("database server joined message director")
	}

	var caServer *ca.Server
	if !*noCA {
		caAddr := fmt.Sprintf("%s:%d", cfg.ClientAgent.ConnectAddress, cfg.ClientAgent.ConnectPort)
		bus, err := mdconn.Dial(caAddr, logger)
		if err != nil {
			logger.Fatal("clientagent dial failed", zap.Error(err))
		}
		kv, err := accountkv.Open(cfg.ClientAgent.DBMFilename)
		if err != nil {
			logger.Fatal("clientagent account kv open failed", zap.Error(err))
		}
		vis := topology.NewMemVisReader(nil)
		caServer = ca.NewServer(cfg.ClientAgent, defaultScheme, bus, catalog, kv, vis, logger, reg)
		if err := caServer.Start(ctx); err != nil {
			logger.Fatal("clientagent start failed", zap.Error(err))
		}
		logger.Info("client agent listening", zap.Int("port", cfg.ClientAgent.Port))
	}

	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- runHTTPServer(ctx, cfg.Metrics, reg, logger) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	if caServer != nil {
		caServer.Stop()
	}
	if mdServer != nil {
		mdServer.Stop()
	}
	logger.Info("otpd stopped")
}

func runHTTPServer(ctx context.Context, cfg config.MetricsConfig, reg *metrics.Registry, logger *zap.Logger) error {
	if !cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Endpoint, reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Class numbers and field numbers for the two distributed classes this
// deployment ships: Account (DB-only, never generated onto the state
// server) and Avatar (the player's in-world puppet). A real deployment
// loads this from a .dc file through dclass.Catalog; buildCatalog and
// defaultScheme stand in for that compiled file.
const (
	classAccount uint16 = 1
	classAvatar  uint16 = 2

	fieldAccountAvSet uint16 = 0

	fieldAvatarName     uint16 = 0
	fieldAvatarDNA      uint16 = 1
	fieldAvatarHP       uint16 = 2
	fieldAvatarPos      uint16 = 3
	fieldAvatarWishname uint16 = 4
	fieldAvatarFriends  uint16 = 5
)

var defaultScheme = ca.Scheme{
	AccountClass:   classAccount,
	AvatarClass:    classAvatar,
	AccountAvSet:   fieldAccountAvSet,
	AvatarName:     fieldAvatarName,
	AvatarDNA:      fieldAvatarDNA,
	AvatarWishname: fieldAvatarWishname,
	AvatarFriends:  fieldAvatarFriends,
}

func buildCatalog() dclass.Catalog {
	hpDefault := []byte{100, 0, 0, 0}
	return dclass.NewMemCatalog(
		dclass.Class{
			Number: classAccount,
			Name:   "Account",
			Fields: []dclass.Field{
				{Number: fieldAccountAvSet, Name: "avatars", Flags: dclass.FieldFlags{DB: true}},
			},
		},
		dclass.Class{
			Number: classAvatar,
			Name:   "Avatar",
			Fields: []dclass.Field{
				{Number: fieldAvatarName, Name: "name", Flags: dclass.FieldFlags{Required: true, Broadcast: true, DB: true, Ram: true}},
				{Number: fieldAvatarDNA, Name: "dna", Flags: dclass.FieldFlags{Required: true, Broadcast: true, DB: true, Ram: true}},
				{Number: fieldAvatarHP, Name: "hp", Flags: dclass.FieldFlags{Required: true, Broadcast: true, OwnSend: true, DB: true, Ram: true, HasDefaultValue: true, DefaultValue: hpDefault}},
				{Number: fieldAvatarPos, Name: "pos", Flags: dclass.FieldFlags{ClSend: true, Broadcast: true, Ram: true}},
				{Number: fieldAvatarWishname, Name: "wishname", Flags: dclass.FieldFlags{DB: true}},
				{Number: fieldAvatarFriends, Name: "friends", Flags: dclass.FieldFlags{DB: true}},
			},
		},
	)
}
