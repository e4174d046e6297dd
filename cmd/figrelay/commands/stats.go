package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/howeyc/gopass"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/figrelay/figrelay/pkg/relay"
)

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
	statsUseTLS            bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a figrelay relay",
	Long: `stats queries a relay for running stats.

If the host is omitted, the local relay will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if statsUseTLS && skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local relay's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local relay port from config; using %q\n", statsPort)
			} else {
				statsPort = port
			}
			statsUseTLS = viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "3055", "port of the relay to query stats for")
	statsCmd.Flags().BoolVar(&statsUseTLS, "tls", false, "connect over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the relay's stats password\n    If unset, the password is the same as the local relay's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("FIGRELAY_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	scheme := "http"
	client := &http.Client{Timeout: 10 * time.Second}
	if statsUseTLS {
		scheme = "https"
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		}
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	statsURL := url.URL{
		Scheme: scheme,
		Host:   statsAddr,
		Path:   strings.TrimSuffix(viper.GetString("server.path"), "/") + "/stats",
	}

	req, err := http.NewRequest(http.MethodGet, statsURL.String(), nil)
	if err != nil {
		return errors.Wrap(err, "Build stats request")
	}
	req.Header.Set("X-Stats-Password", statsPassword)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Query relay stats")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Relay returned %s", resp.Status)
	}

	var stats relay.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Decode stats response")
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != "3055" {
		friendlyAddr = statsAddr
	}
	fmt.Printf(`Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of connections: %d (%d executors, %d callers)
Max connections: %d on %s
`, friendlyAddr, stats.Uptime,
		stats.NumChannels,
		stats.MaxChannels, stats.MaxChannelsAt,
		stats.NumConns, stats.NumExecutors, stats.NumCallers,
		stats.MaxConns, stats.MaxConnsAt)
	return nil
}
