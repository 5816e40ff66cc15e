// Command replicad is the replica-server process: it loads whatever
// partitions are assigned to this node from disk, serves the RPC codes
// of spec §6 over a TCP transport, and runs the periodic GC/checkpoint/
// beacon timers of spec §5. Grounded on influxdata-influxdb/cmd/influxd's
// single cobra root command with viper environment-variable binding.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/qinzuoyan/rdsn-go/app"
	rconfig "github.com/qinzuoyan/rdsn-go/config"
	_ "github.com/qinzuoyan/rdsn-go/kvapp" // registers the "kv" app_type factory
	"github.com/qinzuoyan/rdsn-go/logger"
	"github.com/qinzuoyan/rdsn-go/metaclient"
	"github.com/qinzuoyan/rdsn-go/rpc"
	"github.com/qinzuoyan/rdsn-go/stub"
)

var (
	configPath string
	nodeAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "replicad",
	Short: "Runs a replica server partition host",
	RunE:  run,
}

func init() {
	viper.SetEnvPrefix("REPLICAD")
	rootCmd.Flags().StringVar(&configPath, "config", "replicad.toml", "path to the TOML config file")
	rootCmd.Flags().StringVar(&nodeAddr, "node-addr", "127.0.0.1:34801", "this node's address, as advertised to the meta-server and peers")
	viper.BindEnv("CONFIG")
	if v := viper.GetString("CONFIG"); v != "" {
		configPath = v
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := rconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("replicad: load config: %w", err)
	}

	log := logger.New(os.Stderr, cfg.Log)
	defer log.Sync()

	app.Freeze()
	tr := rpc.NewTCPTransport()
	mc := metaclient.New(tr, cfg.MetaServers)
	st := stub.New(nodeAddr, cfg, tr, mc, log)

	if err := st.Load(); err != nil {
		return fmt.Errorf("replicad: load replicas: %w", err)
	}
	st.RegisterHandlers(tr)
	st.Start()
	defer st.Close()

	log.Info("replicad started", zap.String("node", nodeAddr), zap.String("data_dir", cfg.DataDir))
	return tr.ListenAndServe(nodeAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
