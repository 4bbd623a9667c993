// Package walletd wires the wallet daemon: state, permissions, keys,
// chain access, the session broker, and the peer transports.
package walletd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stjordanis/superhero-wallet/internal/account"
	"github.com/stjordanis/superhero-wallet/internal/backend"
	"github.com/stjordanis/superhero-wallet/internal/broker"
	"github.com/stjordanis/superhero-wallet/internal/chain"
	"github.com/stjordanis/superhero-wallet/internal/config"
	"github.com/stjordanis/superhero-wallet/internal/mux"
	"github.com/stjordanis/superhero-wallet/internal/permissions"
	"github.com/stjordanis/superhero-wallet/internal/platform/privacylog"
	"github.com/stjordanis/superhero-wallet/internal/state"
	"github.com/stjordanis/superhero-wallet/internal/tokens"
)

type Service struct {
	cfg     config.Config
	log     *slog.Logger
	state   *state.Store
	broker  *broker.Broker
	mux     *mux.Mux
	gateway *mux.WSGateway
}

// Build composes a daemon-ready service. passphrase unlocks the
// persisted state envelope.
func Build(cfg config.Config, passphrase string, prompter broker.Prompter) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	if prompter == nil {
		prompter = broker.AutoDenyPrompter
	}

	st := state.New(cfg.StatePath, passphrase, log)
	if err := st.Bootstrap(); err != nil {
		return nil, fmt.Errorf("state bootstrap: %w", err)
	}

	network := cfg.Active()
	chainClient := chain.NewClient(network.NodeURL, network.MiddlewareURL)
	backendClient := backend.NewClient(network.BackendURL)
	loader := tokens.NewLoader(backendClient, chainClient, st, log)
	keys := account.NewProvider(st, log)

	b := broker.New(broker.Config{
		WalletName:           cfg.WalletName,
		WalletOrigin:         cfg.WalletOrigin,
		Network:              network,
		NoPopupHosts:         cfg.NoPopupHosts,
		RequestRPS:           cfg.RequestRPS,
		RequestBurst:         cfg.RequestBurst,
		ConnectedStatusReset: cfg.ConnectedStatusReset,
	}, st, permissions.NewStore(st), keys, chainClient, loader, prompter, log)

	gateway := mux.NewWSGateway(log)
	m := mux.New(gateway, b, b.AnnounceInfo, mux.Options{
		RescanInterval: cfg.RescanInterval,
		AnnounceGrace:  cfg.AnnounceGrace,
		EvictMissing:   cfg.EvictMissing,
		Logger:         log,
	})

	b.SetAnnouncer(m.AnnounceAll)

	return &Service{cfg: cfg, log: log, state: st, broker: b, mux: m, gateway: gateway}, nil
}

// Run brings the session up and serves peers until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.broker.Start(ctx)

	loggedIn, err := s.broker.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !loggedIn {
		s.log.Warn("no identity stored, run wallet-keygen and set the mnemonic")
	} else if err := s.broker.InitSession(ctx); err != nil {
		return err
	}

	peerSrv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.gateway}
	metricsSrv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: s.metricsHandler()}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("peer gateway listening", "addr", s.cfg.ListenAddr)
		errCh <- peerSrv.ListenAndServe()
	}()
	go func() {
		s.log.Info("metrics listening", "addr", s.cfg.MetricsAddr)
		errCh <- metricsSrv.ListenAndServe()
	}()

	go s.mux.Run(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = peerSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) metricsHandler() http.Handler {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())
	h.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.broker.Peers()); err != nil {
			s.log.Warn("peer roster encode failed", "error", err)
		}
	})
	return h
}

// SetMnemonic stores a recovery phrase in the encrypted state; used by
// the enrollment flow before the first login.
func (s *Service) SetMnemonic(mnemonic string) error {
	if _, err := account.SeedFromMnemonic(mnemonic); err != nil {
		return err
	}
	s.state.SetMnemonic(mnemonic)
	return nil
}
