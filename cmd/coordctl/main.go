// cmd/coordctl is the CLI entry point built with Cobra.
//
// Usage:
//
//	coordctl worker add localhost:8101                 --admin http://localhost:9090
//	coordctl worker remove 1                           --admin http://localhost:9090
//	coordctl worker list                                --admin http://localhost:9090
//	coordctl worker set-faults 1 --drop 10 --delay 20   --admin http://localhost:9090
//	coordctl request "REQ_1"                            --coordinator localhost:8080
//	coordctl oplog replay --since 5                      --admin http://localhost:9090
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"coordcore/client"

	"github.com/spf13/cobra"
)

var (
	adminAddr       string
	coordinatorAddr string
	timeout         time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "coordctl",
		Short: "CLI operator tool for a coordcore coordinator",
	}

	root.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:9090", "admin HTTP address")
	root.PersistentFlags().StringVar(&coordinatorAddr, "coordinator", "localhost:8080", "coordinator client TCP address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(workerCmd(), requestCmd(), oplogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker fleet management",
	}

	cmd.AddCommand(
		workerAddCmd(),
		workerRemoveCmd(),
		workerListCmd(),
		workerSetFaultsCmd(),
	)
	return cmd
}

func workerAddCmd() *cobra.Command {
	var drop, delay, wrong, minMs, maxMs int
	c := &cobra.Command{
		Use:   "add <addr>",
		Short: "Add a worker listening at addr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := client.NewAdmin(adminAddr, timeout)
			w, err := ac.AddWorker(args[0], client.FaultRates{DropPct: drop, DelayPct: delay, WrongPct: wrong, MinMs: minMs, MaxMs: maxMs})
			if err != nil {
				return err
			}
			prettyPrint(w)
			return nil
		},
	}
	c.Flags().IntVar(&drop, "drop", 0, "drop percentage [0,100]")
	c.Flags().IntVar(&delay, "delay", 0, "delay percentage [0,100]")
	c.Flags().IntVar(&wrong, "wrong", 0, "wrong-reply percentage [0,100]")
	c.Flags().IntVar(&minMs, "min-ms", 0, "minimum injected delay, ms")
	c.Flags().IntVar(&maxMs, "max-ms", 0, "maximum injected delay, ms")
	return c
}

func workerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worker by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return client.NewAdmin(adminAddr, timeout).RemoveWorker(id)
		},
	}
}

func workerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := client.NewAdmin(adminAddr, timeout).ListWorkers()
			if err != nil {
				return err
			}
			prettyPrint(workers)
			return nil
		},
	}
}

func workerSetFaultsCmd() *cobra.Command {
	var drop, delay, wrong, minMs, maxMs int
	c := &cobra.Command{
		Use:   "set-faults <id>",
		Short: "Change a worker's fault rates at runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return client.NewAdmin(adminAddr, timeout).SetFaults(id, client.FaultRates{
				DropPct: drop, DelayPct: delay, WrongPct: wrong, MinMs: minMs, MaxMs: maxMs,
			})
		},
	}
	c.Flags().IntVar(&drop, "drop", 0, "drop percentage [0,100]")
	c.Flags().IntVar(&delay, "delay", 0, "delay percentage [0,100]")
	c.Flags().IntVar(&wrong, "wrong", 0, "wrong-reply percentage [0,100]")
	c.Flags().IntVar(&minMs, "min-ms", 0, "minimum injected delay, ms")
	c.Flags().IntVar(&maxMs, "max-ms", 0, "maximum injected delay, ms")
	return c
}

func requestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <line>",
		Short: "Send one raw line to the coordinator and print its reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := client.NewRaw(coordinatorAddr, timeout).Request(args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func oplogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oplog",
		Short: "Operation log inspection",
	}

	var since uint64
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Fetch committed records with sequence greater than --since",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client.NewAdmin(adminAddr, timeout).Oplog(since)
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		},
	}
	replay.Flags().Uint64Var(&since, "since", 0, "last-known sequence number")
	cmd.AddCommand(replay)
	return cmd
}

func parseID(s string) (int, error) {
	var id int
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid worker id %q", s)
	}
	return id, nil
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
