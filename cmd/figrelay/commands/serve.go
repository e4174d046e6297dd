package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/figrelay/figrelay/pkg/lockfile"
	"github.com/figrelay/figrelay/pkg/relay"
)

var (
	log        *logrus.Logger
	disableTLS bool
	forceServe bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the figrelay relay",
	RunE:  runRelay,
}

func init() {
	RootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", "127.0.0.1:3055", "Bind the relay to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	serveCmd.Flags().String("path", "/", "URL path the relay is mounted at")
	viper.BindPFlag("server.path", serveCmd.Flags().Lookup("path"))
	serveCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", serveCmd.Flags().Lookup("time-between-pings"))
	serveCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive peers are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", serveCmd.Flags().Lookup("pings-until-timeout"))
	serveCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")
	serveCmd.Flags().BoolVarP(&forceServe, "force", "f", false, "Start even when another relay holds the lock for this address")

	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("lock.dir", "")
	viper.SetDefault("tls.useTls", false)
}

func runRelay(cmd *cobra.Command, args []string) error {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.DebugLevel

	bindAddr := viper.GetString("server.bind")

	if !forceServe {
		lock, err := lockfile.New(os.ExpandEnv(viper.GetString("lock.dir")), bindAddr)
		if err != nil {
			return err
		}
		result, err := lock.Acquire()
		if err != nil {
			return err
		}
		if !result.Acquired {
			// Another live relay owns this address; reuse it instead of
			// fighting over the port.
			log.WithFields(logrus.Fields{
				"addr":      bindAddr,
				"owner_pid": result.OwnerPID,
				"lock_file": result.Path,
			}).Info("Relay already running, reusing it")
			return nil
		}
		defer lock.Release()

		// Release the lock on SIGINT/SIGTERM so the next start doesn't
		// have to reclaim a stale record.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			log.WithFields(logrus.Fields{
				"signal": sig,
			}).Info("Shutting down")
			lock.Release()
			os.Exit(0)
		}()
	}

	srv := &relay.Server{
		Path:              viper.GetString("server.path"),
		TimeBetweenPings:  time.Duration(viper.GetInt("server.timeBetweenPings")) * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		StatsPassword:     viper.GetString("server.statsPassword"),
		Log:               log,
	}

	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls")

	log.Info("Starting figrelay")
	if useTLS && !disableTLS {
		return srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
	}
	return srv.ListenAndServe(bindAddr)
}
