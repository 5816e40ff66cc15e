// Command replicactl is a thin operator CLI for a running replicad: query
// a partition's committed decree, send it a group check, or inspect its
// authoritative configuration. Grounded on the cobra subcommand layout of
// influxdata-influxdb's companion CLIs (e.g. influx_inspect), generalized
// from a single root command to one subcommand per spec §6 RPC code this
// tool exercises.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/rpc"
)

var (
	targetAddr string
	appID      uint32
	partIndex  uint32
)

var rootCmd = &cobra.Command{
	Use:   "replicactl",
	Short: "Operator CLI for a replicad partition host",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetAddr, "target", "127.0.0.1:34801", "address of the replicad node to query")
	rootCmd.PersistentFlags().Uint32Var(&appID, "app-id", 0, "app_id of the target partition")
	rootCmd.PersistentFlags().Uint32Var(&partIndex, "partition-index", 0, "partition_index of the target partition")

	rootCmd.AddCommand(decreeCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(configCmd)
}

func dial() *rpc.TCPTransport {
	return rpc.NewTCPTransport()
}

var decreeCmd = &cobra.Command{
	Use:   "decree",
	Short: "Print a partition's last_committed_decree",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := dial()
		id := gpid.New(appID, partIndex)
		req := &rpc.QueryReplicaDecreeRequest{Gpid: id}
		var resp rpc.QueryReplicaDecreeResponse
		if err := tr.Call(targetAddr, rpc.CodeQueryReplicaDecree, req, &resp); err != nil {
			return err
		}
		if resp.Err != rpc.ErrOK {
			return fmt.Errorf("replicactl: query_replica_decree failed: %s", resp.Err)
		}
		fmt.Printf("gpid=%s last_committed_decree=%d\n", id, resp.LastCommittedDecree)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Request an immediate group-check, forcing commit point convergence",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := dial()
		id := gpid.New(appID, partIndex)
		req := &rpc.GroupCheckRequest{Config: rpc.ReplicaConfig{Gpid: id}}
		var resp rpc.GroupCheckResponse
		if err := tr.Call(targetAddr, rpc.CodeGroupCheck, req, &resp); err != nil {
			return err
		}
		fmt.Printf("gpid=%s ballot=%d last_committed_decree=%d\n", id, resp.Ballot, resp.LastCommittedDecree)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print a partition's authoritative configuration as known by the meta-server",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := dial()
		id := gpid.New(appID, partIndex)
		req := &rpc.QueryConfigurationRequest{Gpid: id}
		var resp rpc.QueryConfigurationResponse
		if err := tr.Call(targetAddr, rpc.CodeQueryConfigurationByGpid, req, &resp); err != nil {
			return err
		}
		if resp.Err != rpc.ErrOK || len(resp.Configs) == 0 {
			return fmt.Errorf("replicactl: query_configuration_by_gpid failed: %s", resp.Err)
		}
		c := resp.Configs[0]
		fmt.Printf("gpid=%s ballot=%d primary=%s secondaries=%v\n", c.Gpid, c.Ballot, c.Primary, c.Secondaries)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
