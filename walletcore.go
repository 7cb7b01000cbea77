package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/czh0526/walletcore/challenge"
	"github.com/czh0526/walletcore/rpc/rpcserver"
	"github.com/czh0526/walletcore/securestore"
	"github.com/czh0526/walletcore/snacl"
	"github.com/czh0526/walletcore/swaps"
	"github.com/czh0526/walletcore/walletdb"
	_ "github.com/czh0526/walletcore/walletdb/bdb"
	"github.com/czh0526/walletcore/walletdb/migration"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"google.golang.org/grpc"
)

// dbVersions lists the schema versions of the database. Buckets are
// created by the stores that own them, so the first version only records
// the initial layout.
var dbVersions = []migration.Version{
	{Number: 1},
}

func main() {
	if err := walletCoreMain(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// walletCoreMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit. Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func walletCoreMain(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	err = initLogRotator(
		cfg.logFile, int64(cfg.maxLogFileSize)*1024, cfg.maxLogFiles,
	)
	if err != nil {
		return err
	}
	defer logRotator.Close()

	log.Infof("Starting wallet core on %v", cfg.params.Network)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close database: %v", err)
		}
	}()

	keystore, err := securestore.OpenSoftwareKeystore(
		db, cfg.storagePass, snacl.DefaultScryptOptions,
		cfg.keyCacheSize,
	)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	defer keystore.Lock()

	storage, err := securestore.New(securestore.Config{
		DB:             db,
		Keystore:       keystore,
		Mode:           cfg.storageMode,
		AuditTrailSize: cfg.auditTrailSize,
	})
	if err != nil {
		log.Errorf("Unable to open secure storage: %v", err)
		return err
	}

	compatible, err := storage.IsCompatibleFormat()
	if err != nil {
		return err
	}
	if !compatible {
		snap := storage.DebugSnapshot()
		log.Warnf("Secure storage was written in %v but %v is active, "+
			"reads will fail until it is wiped",
			snap.StoredMode.UnwrapOr(cfg.storageMode), cfg.storageMode)
	}

	if err := logSummary(db); err != nil {
		return err
	}

	server := rpcserver.NewServer()
	rpcserver.StartWalletCoreService(server, rpcserver.Config{
		Params:        cfg.params,
		DustThreshold: fn.Some(cfg.dustThreshold),
		Storage:       fn.Some(storage),
	})

	if err := serve(server, cfg.rpcListeners); err != nil {
		return err
	}

	addInterruptHandler(func() {
		log.Infof("Stopping RPC server...")
		server.GracefulStop()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")

	return nil
}

// openDatabase opens the database of the active network, creating it when
// needed, and upgrades it to the latest schema.
func openDatabase(cfg *coreConfig) (walletdb.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.dbPath), 0700); err != nil {
		return nil, err
	}

	db, err := walletdb.OpenOrCreate("bdb", cfg.dbPath, true, cfg.dbTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to open database %s: %w",
			cfg.dbPath, err)
	}

	if err := migration.Upgrade(db, dbVersions); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to upgrade database: %w", err)
	}

	version, err := migration.CurrentVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Opened database %s at version %d", cfg.dbPath, version)

	return db, nil
}

// logSummary reports what the database holds on startup.
func logSummary(db walletdb.DB) error {
	swapStore, err := swaps.NewStore(db)
	if err != nil {
		return err
	}
	pending, err := swapStore.Pending()
	if err != nil {
		return fmt.Errorf("unable to read submarine swaps: %w", err)
	}

	setupStore, err := challenge.NewSetupStore(db)
	if err != nil {
		return err
	}
	setups, err := setupStore.All()
	if err != nil {
		return fmt.Errorf("unable to read challenge setups: %w", err)
	}

	log.Infof("%d pending submarine swaps, %d challenge setups",
		len(pending), len(setups))

	return nil
}

// serve starts server on every listener address.
func serve(server *grpc.Server, addrs []string) error {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("unable to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
	}

	for _, lis := range listeners {
		log.Infof("RPC server listening on %s", lis.Addr())

		go func(lis net.Listener) {
			if err := server.Serve(lis); err != nil {
				log.Errorf("RPC server on %s stopped: %v",
					lis.Addr(), err)
			}
		}(lis)
	}

	return nil
}
