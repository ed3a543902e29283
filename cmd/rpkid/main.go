// rpkid is an RPKI daemon: a certificate authority issuing resource
// certificates and ROAs, plus a publication server exposing signed
// objects over RRDP and rsync.
package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rpkid/pkg/admin"
	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/config"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/health"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/publication"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rrdp"
	"github.com/cuemby/rpkid/pkg/scheduler"
	"github.com/cuemby/rpkid/pkg/signer"
	"github.com/cuemby/rpkid/pkg/updown"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes per the sysexits convention the daemon documents.
const (
	exitOK       = 0
	exitUsage    = 64
	exitInternal = 70
	exitDataDir  = 73
)

// repoHandle is the single publication server aggregate's handle.
const repoHandle = "repository"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "rpkid",
	Short: "rpkid - RPKI certificate authority and publication server",
	Long: `rpkid runs an RPKI certificate authority that issues resource
certificates and route origin authorizations, together with a
publication server exposing the signed objects over RRDP and rsync.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rpkid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fail(exitDataDir, "load configuration: %v", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory, repository, and optionally a trust anchor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := openDaemon(cfg)
		if err != nil {
			return err
		}
		defer d.close()

		ctx := context.Background()
		if err := d.ensureRepository(ctx); err != nil {
			return fail(exitInternal, "initialize repository: %v", err)
		}

		withTA, _ := cmd.Flags().GetBool("ta")
		if withTA {
			handle, _ := cmd.Flags().GetString("ta-handle")
			if err := d.ensureTrustAnchor(ctx, handle); err != nil {
				return fail(exitInternal, "initialize trust anchor: %v", err)
			}
			initLogger := log.WithComponent("init")
			initLogger.Info().Str("handle", handle).Msg("trust anchor ready")
		}
		initLogger := log.WithComponent("init")
		initLogger.Info().Str("data_dir", cfg.DataDir).Msg("data directory initialized")
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("ta", false, "Also create a trust anchor CA over all resources")
	initCmd.Flags().String("ta-handle", "ta", "Handle for the trust anchor CA")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := openDaemon(cfg)
		if err != nil {
			return err
		}
		defer d.close()
		return d.serve()
	},
}

// daemon holds the wired-up runtime: stores, processors, protocol
// engines, scheduler.
type daemon struct {
	cfg      *config.Config
	store    *eventstore.Store
	keys     *keystore.Store
	sgn      *signer.Signer
	broker   *events.Broker
	cas      *aggregate.Processor[*ca.State]
	repo     *aggregate.Processor[*pubserver.State]
	exporter *rrdp.Exporter
	writer   *rrdp.Writer
}

func openDaemon(cfg *config.Config) (*daemon, error) {
	store, err := eventstore.Open(cfg.EventStoreDir())
	if err != nil {
		return nil, fail(exitDataDir, "open event store: %v", err)
	}

	seed, err := loadOrCreateSeed(filepath.Join(cfg.DataDir, "keys.seed"))
	if err != nil {
		store.Close()
		return nil, fail(exitDataDir, "key store seed: %v", err)
	}
	keys, err := keystore.Open(cfg.KeysDir(), keystore.DeriveMasterKey(seed))
	if err != nil {
		store.Close()
		return nil, fail(exitDataDir, "open key store: %v", err)
	}

	sgn := signer.New(keys)
	broker := events.NewBroker()
	broker.Start()

	if cfg.RepositoryBaseURI == "" {
		cfg.RepositoryBaseURI = "rsync://localhost/repo/"
	}
	if cfg.RRDPBaseURL == "" {
		cfg.RRDPBaseURL = "https://localhost/rrdp"
	}

	caDeps := &ca.Deps{Signer: sgn, RepositoryBaseURI: cfg.RepositoryBaseURI}
	cas := aggregate.NewProcessor[*ca.State]("ca", store, ca.Codec{Deps: caDeps}, broker, 50)
	repo := aggregate.NewProcessor[*pubserver.State]("pubd", store, pubserver.Codec{Deps: &pubserver.Deps{}}, broker, 50)

	writer := rrdp.NewWriter(filepath.Join(cfg.RepositoryDir(), "rrdp"), filepath.Join(cfg.RepositoryDir(), "rsync"), cfg.RRDPBaseURL)

	return &daemon{
		cfg: cfg, store: store, keys: keys, sgn: sgn, broker: broker,
		cas: cas, repo: repo, writer: writer, exporter: rrdp.NewExporter(writer),
	}, nil
}

func (d *daemon) close() {
	d.broker.Stop()
	d.store.Close()
}

func (d *daemon) ensureRepository(ctx context.Context) error {
	state, _, err := d.repo.Load(repoHandle)
	if err != nil {
		return err
	}
	if state.Initialized {
		return nil
	}
	_, _, err = d.repo.Process(ctx, repoHandle, pubserver.Init{}, time.Now())
	return err
}

func (d *daemon) ensureTrustAnchor(ctx context.Context, handle string) error {
	state, _, err := d.cas.Load(handle)
	if err != nil {
		return err
	}
	if state.Initialized {
		return nil
	}
	var all resources.Set
	all.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
	all.AddPrefix(netip.MustParsePrefix("::/0"))
	all.AddASRange(0, 4294967295)
	all.Canonicalize()
	_, _, err = d.cas.Process(ctx, handle, ca.InitTA{Resources: all}, time.Now())
	return err
}

// repositoryClientFor returns the embedded repository client for a
// CA, registering the CA as a publisher on first use.
func (d *daemon) repositoryClientFor(handle string) scheduler.RepositoryClient {
	ctx := context.Background()
	state, _, err := d.repo.Load(repoHandle)
	if err != nil {
		return nil
	}
	if state.Publishers[handle] == nil {
		caState, _, err := d.cas.Load(handle)
		if err != nil || !caState.Initialized {
			return nil
		}
		_, _, err = d.repo.Process(ctx, repoHandle, pubserver.AddPublisher{
			Handle: handle, IDCert: caState.IDCert,
			BaseURI: d.cfg.RepositoryBaseURI + handle + "/",
		}, time.Now())
		if err != nil {
			var de *aggregate.DomainError
			if !errors.As(err, &de) {
				return nil
			}
		}
	}
	return publication.NewLocalRepository(d.repo, repoHandle, handle, d.exporter, nil)
}

func (d *daemon) serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("daemon")

	if err := d.ensureRepository(ctx); err != nil {
		return fail(exitInternal, "initialize repository: %v", err)
	}

	// Crash recovery: drop partially written RRDP/rsync files and
	// rebuild the tree if the notification file is gone.
	if err := d.writer.CleanPartialFiles(); err != nil {
		return fail(exitDataDir, "clean partial publication files: %v", err)
	}
	if _, err := os.Stat(d.writer.NotificationPath()); os.IsNotExist(err) {
		repoState, _, loadErr := d.repo.Load(repoHandle)
		if loadErr == nil {
			if err := d.exporter.Rebuild(repoState); err != nil {
				logger.Warn().Err(err).Msg("rebuilding rrdp tree failed; retried on next publication")
			}
		}
	}

	repoID, err := d.repositoryIdentity()
	if err != nil {
		return fail(exitInternal, "repository identity: %v", err)
	}
	repoSigner, err := d.keys.Signer(repoID.ki)
	if err != nil {
		return fail(exitInternal, "repository identity key: %v", err)
	}

	// A session reset is observable: the exporter rewrites the tree
	// under the new session id and relying parties refetch snapshots.
	resetSub := d.broker.Subscribe()
	defer d.broker.Unsubscribe(resetSub)
	go func() {
		for ev := range resetSub {
			if ev.Type != events.EventSessionReset {
				continue
			}
			repoState, _, err := d.repo.Load(repoHandle)
			if err != nil {
				continue
			}
			if err := d.exporter.OnSessionReset(repoState); err != nil {
				logger.Error().Err(err).Msg("publishing rotated session failed")
				continue
			}
			metrics.RRDPSessionResetsTotal.Inc()
		}
	}()

	sched := scheduler.New(d.cas, d.sgn, d.repositoryClientFor, scheduler.DefaultConfig(), nil)
	sched.SyncParents = d.syncParents
	sched.Start()
	defer sched.Stop()

	registry := health.NewRegistry(health.DefaultConfig(), map[string]health.Checker{
		"event_store": health.EventStoreChecker(func(context.Context) error { return d.store.Ping() }),
		"key_store":   health.KeyStoreChecker(func(context.Context) error { return d.keys.Ping() }),
		"scheduler":   health.SchedulerChecker(sched.LastTick, 5*time.Minute),
	})

	adminSrv := admin.New(d.cas, d.repo, repoHandle, d.cfg.AuthToken, registry, nil)
	pubSrv := publication.NewServer(d.repo, repoHandle, repoID.cert, repoSigner, nil).WithExporter(d.exporter)
	updownSrv := updown.NewResponder(d.cas, d.keys, nil)

	mux := http.NewServeMux()
	mux.Handle("/", adminSrv.Handler())
	mux.Handle("/rfc8181/", pubSrv)
	mux.Handle("/rfc6492/", updownSrv)
	mux.Handle("/rrdp/", http.StripPrefix("/rrdp/",
		http.FileServer(http.Dir(filepath.Join(d.cfg.RepositoryDir(), "rrdp")))))

	httpServer := &http.Server{
		Addr:              d.cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", d.cfg.AdminAddr).Msg("rpkid listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fail(exitInternal, "http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fail(exitInternal, "shutdown: %v", err)
	}
	return nil
}

// syncParents runs one up-down pass for a CA against each registered
// parent: refresh entitlements, then request certificates for any
// class key still waiting for one. Invoked by the scheduler outside
// the per-aggregate lock, so the network round-trips never block
// other commands.
func (d *daemon) syncParents(ctx context.Context, handle string) error {
	state, _, err := d.cas.Load(handle)
	if err != nil {
		return err
	}
	idCert, err := x509.ParseCertificate(state.IDCert)
	if err != nil {
		return fmt.Errorf("parse ca identity certificate: %w", err)
	}
	idSigner, err := d.keys.Signer(state.IDKey)
	if err != nil {
		return fmt.Errorf("load ca identity key: %w", err)
	}

	var firstErr error
	for name, parent := range state.Parents {
		if !strings.HasPrefix(parent.ContactURI, "http") {
			continue
		}
		var parentCert *x509.Certificate
		if len(parent.IDCert) > 0 {
			parentCert, err = x509.ParseCertificate(parent.IDCert)
			if err != nil {
				return fmt.Errorf("parse parent %s identity certificate: %w", name, err)
			}
		}
		req := updown.NewRequester(parent.ContactURI, parent.MyChildHandle, name, idCert, idSigner, parentCert, nil)

		entitlements, err := req.List(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, ent := range entitlements {
			class := state.ResourceClasses[ent.ClassName]
			if class == nil || !class.Entitlements.Equal(ent.Resources) {
				if _, _, err := d.cas.Process(ctx, handle, ca.UpdateEntitlements{
					ParentHandle: name, Class: ent.ClassName, Entitlements: ent.Resources,
				}, time.Now()); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}

		// Reload: UpdateEntitlements may have generated keys that now
		// need certificates.
		state, _, err = d.cas.Load(handle)
		if err != nil {
			return err
		}
		for className, class := range state.ResourceClasses {
			for _, key := range []*ca.Key{class.Current, class.Pending} {
				if key == nil || key.Cert != nil {
					continue
				}
				keySigner, err := d.keys.Signer(key.KI)
				if err != nil {
					continue
				}
				certDER, err := req.RequestCertificate(ctx, className, keySigner)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if _, _, err := d.cas.Process(ctx, handle, ca.CertificateReceived{
					ParentHandle: name, Class: className, KI: key.KI, CertDER: certDER,
				}, time.Now()); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

type identityPair struct {
	ki   resources.KI
	cert *x509.Certificate
}

// repositoryIdentity loads or creates the repository's identity key
// and self-signed certificate, persisted so publication replies stay
// verifiable across restarts.
func (d *daemon) repositoryIdentity() (*identityPair, error) {
	kiPath := filepath.Join(d.cfg.DataDir, "repository-id.ki")
	certPath := filepath.Join(d.cfg.DataDir, "repository-id.cer")

	if kiHex, err := os.ReadFile(kiPath); err == nil {
		ki, err := resources.ParseKI(strings.TrimSpace(string(kiHex)))
		if err != nil {
			return nil, err
		}
		certDER, err := os.ReadFile(certPath)
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, err
		}
		return &identityPair{ki: ki, cert: cert}, nil
	}

	ki, err := d.keys.Create()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cert, err := d.sgn.SelfSignedTA(ki, repoHandle, resources.Set{}, now, now.Add(10*365*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(kiPath, []byte(ki.String()+"\n"), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, cert.Raw, 0o600); err != nil {
		return nil, err
	}
	return &identityPair{ki: ki, cert: cert}, nil
}

// loadOrCreateSeed reads the key store seed, creating a fresh random
// one (mode 0600) on first run.
func loadOrCreateSeed(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse seed file %s: %w", path, err)
		}
		return seed, nil
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write seed file %s: %w", path, err)
	}
	return seed, nil
}
