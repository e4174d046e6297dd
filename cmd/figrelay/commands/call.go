package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/figrelay/figrelay/pkg/session"
)

var (
	callRelayURL       string
	callTimeout        time.Duration
	callConnectTimeout time.Duration
)

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <channel> <type> [payload]",
	Short: "Send a single request through a running relay",
	Long: `call connects to a relay as a caller on the given channel, sends one
request to the channel's executor, and prints the JSON result.

The payload, if given, must be a JSON object.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	RootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVarP(&callRelayURL, "relay", "r", "", "relay URL (default ws://<server.bind><server.path>)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "how long to wait for the executor's response")
	callCmd.Flags().DurationVar(&callConnectTimeout, "connect-timeout", 30*time.Second, "how long to wait for an executor to be present")
}

func runCall(cmd *cobra.Command, args []string) error {
	channel, reqType := args[0], args[1]

	var payload interface{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			return errors.Wrap(err, "Parse payload")
		}
	}

	relayURL := callRelayURL
	if relayURL == "" {
		u := url.URL{
			Scheme: "ws",
			Host:   viper.GetString("server.bind"),
			Path:   viper.GetString("server.path"),
		}
		if viper.GetBool("tls.useTls") {
			u.Scheme = "wss"
		}
		relayURL = u.String()
	}

	callLog := logrus.New()
	callLog.Level = logrus.WarnLevel

	sess := &session.Session{
		Log:            callLog,
		ConnectTimeout: callConnectTimeout,
	}
	defer sess.Close()

	ctx := context.Background()
	if err := sess.Connect(ctx, relayURL, channel); err != nil {
		return err
	}

	result, err := sess.Call(ctx, reqType, payload, callTimeout)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		// Not an object or array; print it as-is.
		fmt.Println(string(result))
		return nil
	}
	fmt.Println(out.String())
	return nil
}
