package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/config"
	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/internal/logging"
	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/notify"
	"github.com/jmcleod/rangebook/pki"
	"github.com/jmcleod/rangebook/storage"
	bboltstorage "github.com/jmcleod/rangebook/storage/bbolt"
	"github.com/jmcleod/rangebook/storage/memory"
	"github.com/jmcleod/rangebook/storage/postgres"
	"github.com/jmcleod/rangebook/storage/sqlite"
)

// runtime is the wired service graph shared by the server and the
// administrative commands.
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	repo      storage.Repository
	authority *pki.Authority
	directory *membership.Directory
	svc       *attest.Service

	closers []func() error
}

// openRuntime loads the configuration and wires storage, the PKI, the
// directory and the attestation service. withNotify enables event
// publishing; one-shot commands leave it off.
func openRuntime(ctx context.Context, withNotify bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if err := rt.openStorage(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	sealer, err := rt.newSealer()
	if err != nil {
		rt.Close()
		return nil, err
	}
	keys, err := rt.newKeyStore()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.authority = pki.NewAuthority(pki.NewStore(rt.repo), sealer,
		pki.WithKeyStore(keys),
		pki.WithValidityPolicy(cfg.PKI.Validity),
		pki.WithNaming(cfg.PKI.Naming),
		pki.WithLogger(logger))
	rt.directory = membership.NewDirectory(rt.repo)

	opts := []attest.Option{
		attest.WithLogger(logger),
		attest.WithRejectionPolicy(cfg.Signing),
	}
	if withNotify {
		if pub := rt.newPublisher(); pub != nil {
			opts = append(opts, attest.WithPublisher(pub))
		}
	}
	rt.svc = attest.NewService(rt.authority, entry.NewStore(rt.repo), rt.directory, opts...)
	return rt, nil
}

func (rt *runtime) openStorage(ctx context.Context) error {
	sc := rt.cfg.Storage
	switch sc.Driver {
	case config.DriverMemory:
		rt.logger.Warn("using in-memory storage; all data is lost on exit")
		rt.repo = memory.NewRepository()
	case config.DriverBBolt:
		if err := ensureParentDir(sc.Path); err != nil {
			return err
		}
		store, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		rt.repo = store
		rt.closers = append(rt.closers, store.Close)
	case config.DriverSQLite:
		if err := ensureParentDir(sc.Path); err != nil {
			return err
		}
		store, err := sqlite.NewRepositoryFromFile(sc.Path, rt.logger)
		if err != nil {
			return fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		rt.repo = store
		rt.closers = append(rt.closers, store.Close)
	case config.DriverPostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres storage: %w", err)
		}
		rt.repo = store
		rt.closers = append(rt.closers, store.Close)
	default:
		return fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	rt.logger.Info("storage opened", zap.String("driver", sc.Driver))
	return nil
}

func (rt *runtime) newSealer() (*pki.Sealer, error) {
	if rt.cfg.PKI.MasterKey == "" {
		rt.logger.Warn("pki.master_key is not set; using an ephemeral key, sealed certificate keys will be unusable after restart")
		return pki.NewRandomSealer()
	}
	master, err := rt.cfg.PKI.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	return pki.NewSealer(master)
}

func (rt *runtime) newKeyStore() (pki.KeyStore, error) {
	switch rt.cfg.PKI.KeyStore {
	case config.KeyStorePKCS11:
		ks, err := pki.NewPKCS11KeyStore(rt.cfg.PKI.PKCS11)
		if err != nil {
			return nil, fmt.Errorf("failed to open PKCS#11 key store: %w", err)
		}
		rt.closers = append(rt.closers, ks.Close)
		return ks, nil
	default:
		return pki.NewSoftwareKeyStore(), nil
	}
}

func (rt *runtime) newPublisher() attest.Publisher {
	var pubs notify.Fanout
	if rt.cfg.Notify.Log {
		pubs = append(pubs, notify.NewLog(rt.logger))
	}
	if rt.cfg.Notify.Webhook.URL != "" {
		wh := notify.NewWebhook(rt.cfg.Notify.Webhook, rt.logger)
		rt.closers = append(rt.closers, func() error {
			wh.Close()
			return nil
		})
		pubs = append(pubs, wh)
		rt.logger.Info("webhook notifications enabled", zap.String("url", rt.cfg.Notify.Webhook.URL))
	}
	if len(pubs) == 0 {
		return nil
	}
	return pubs
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
