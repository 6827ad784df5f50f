// Command gc-server serves the goph-chat HTTP API and realtime gateway.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/goph-chat/internal/config"
	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/migrate"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/and161185/goph-chat/internal/repository/memory"
	"github.com/and161185/goph-chat/internal/repository/postgres"
	"github.com/and161185/goph-chat/internal/server/gateway"
	"github.com/and161185/goph-chat/internal/server/httpapi"
	"github.com/and161185/goph-chat/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// MemoryDSN selects the in-process store.
const MemoryDSN = "memory"

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 10 * time.Second
)

// storage bundles the repositories and the throttling backends.
type storage struct {
	users    repository.UserRepository
	keys     repository.IdentityKeyRepository
	convs    repository.ConversationRepository
	sessions repository.SessionKeyRepository
	messages repository.MessageRepository

	login   limiter.Limiter
	connect limiter.Limiter

	ping  func(context.Context) error
	close func()
}

func openStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (*storage, error) {
	if cfg.DSN == MemoryDSN {
		log.Warn("using in-process store; data is lost on exit and throttling is disabled")
		m := memory.New()
		return &storage{
			users:    m.Users(),
			keys:     m.IdentityKeys(),
			convs:    m.Conversations(),
			sessions: m.SessionKeys(),
			messages: m.Messages(),
			login:    limiter.Nop{},
			connect:  limiter.Nop{},
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	applied, err := migrate.Up(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	log.Info("migrations applied", zap.Int64("version", applied))

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &storage{
		users:    postgres.NewUserRepo(db),
		keys:     postgres.NewIdentityKeyRepo(db),
		convs:    postgres.NewConversationRepo(db),
		sessions: postgres.NewSessionKeyRepo(db),
		messages: postgres.NewMessageRepo(db),
		login:    limiter.NewPG(db.Pool, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor),
		connect:  limiter.NewPG(db.Pool, cfg.LoginWindow, cfg.WSHandshakeMaxFails, cfg.LoginBlockFor),
		ping:     db.Ping,
		close:    db.Close,
	}, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load("gc-server", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.Bool("tls", cfg.TLS()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	p := pkgcrypto.NewProvider()
	authSvc := service.NewAuthService(st.users, []byte(cfg.JWTKey), cfg.AccessTTL, st.login)
	keySvc := service.NewIdentityKeyService(st.users, st.keys, p)
	convSvc := service.NewConversationService(st.convs, logger)
	sessionSvc := service.NewSessionKeyService(convSvc, st.keys, st.sessions, p, logger)
	msgSvc := service.NewMessageService(convSvc, st.messages, cfg.HistoryLimit, cfg.HistoryMaxLimit)
	chatSvc := service.NewChatService(st.users, st.keys, st.messages, convSvc, sessionSvc)

	opts := gateway.DefaultOptions()
	opts.SendBuffer = cfg.WSSendBuffer
	opts.ReadLimit = cfg.WSReadLimit
	opts.CloseOnMalformed = cfg.WSCloseOnMalformed
	gw := gateway.New(authSvc, convSvc, msgSvc, st.connect, logger, opts)

	api := httpapi.New(authSvc, keySvc, chatSvc, sessionSvc, msgSvc, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(gw),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		var err error
		if cfg.TLS() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var hsrv *grpc.Server
	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return err
		}
		hsrv = grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(hsrv, hs)
		if cfg.Dev {
			reflection.Register(hsrv)
		}
		go watchHealth(ctx, hs, st.ping, logger)
		go func() {
			logger.Info("health listening", zap.String("addr", cfg.HealthAddr))
			if err := hsrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if hsrv != nil {
		done := make(chan struct{})
		go func() {
			hsrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			hsrv.Stop()
		}
	}
	// hijacked websocket connections are closed by ctx through BaseContext
	return srv.Shutdown(shutdownCtx)
}

// watchHealth mirrors storage reachability into the health server.
func watchHealth(ctx context.Context, hs *health.Server, ping func(context.Context) error, log *zap.Logger) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := ping(pctx); err != nil {
			log.Warn("storage ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}
	check()
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}
