package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/errors"
	"github.com/futureweb/gomemcache/memcache"
)

var (
	itemFlags     uint32
	itemTTL       time.Duration
	itemCas       uint64
	flushDelay    time.Duration
	watchInterval time.Duration
)

var getCmd = &cobra.Command{
	Use:   "get <key>...",
	Short: "Print the values of one or more keys",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGet,
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	RunE:  runStore(func(c *memcache.ShardedClient) storeFunc { return c.Set }),
}

var addCmd = &cobra.Command{
	Use:   "add <key> <value>",
	Short: "Store a value if the key is absent",
	Args:  cobra.ExactArgs(2),
	RunE:  runStore(func(c *memcache.ShardedClient) storeFunc { return c.Add }),
}

var replaceCmd = &cobra.Command{
	Use:   "replace <key> <value>",
	Short: "Store a value if the key is present",
	Args:  cobra.ExactArgs(2),
	RunE:  runStore(func(c *memcache.ShardedClient) storeFunc { return c.Replace }),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var incrCmd = &cobra.Command{
	Use:   "incr <key> <delta>",
	Short: "Increment a counter",
	Args:  cobra.ExactArgs(2),
	RunE:  runCount(true),
}

var decrCmd = &cobra.Command{
	Use:   "decr <key> <delta>",
	Short: "Decrement a counter, stopping at zero",
	Args:  cobra.ExactArgs(2),
	RunE:  runCount(false),
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Invalidate every item on every server",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a summary of every server's stats",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print every server's version",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

var ringCmd = &cobra.Command{
	Use:   "ring [key]...",
	Short: "Print the servers, or the server owning each key",
	RunE:  runRing,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll stats until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	for _, cmd := range []*cobra.Command{setCmd, addCmd, replaceCmd} {
		cmd.Flags().Uint32Var(&itemFlags, "flags", 0, "Opaque flags stored with the value")
		cmd.Flags().DurationVar(&itemTTL, "ttl", 0, "Expiration; zero never expires")
	}
	setCmd.Flags().Uint64Var(&itemCas, "cas", 0, "Only store if the item's cas id matches")
	flushCmd.Flags().DurationVar(&flushDelay, "delay", 0, "Delay before the items are invalidated")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "Polling interval")

	rootCmd.AddCommand(
		getCmd,
		setCmd,
		addCmd,
		replaceCmd,
		deleteCmd,
		incrCmd,
		decrCmd,
		flushCmd,
		statsCmd,
		versionCmd,
		ringCmd,
		watchCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	responses := client.GetMulti(ctx, args)
	for _, key := range args {
		resp := responses[key]
		if err := resp.Error(); err != nil {
			return err
		}
		if resp.Status() == memcache.StatusKeyNotFound {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", key)
			continue
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"%s (flags=%d cas=%d): %s\n",
			key,
			resp.Flags(),
			resp.DataVersionId(),
			resp.Value())
	}
	return nil
}

type storeFunc func(ctx context.Context, item *memcache.Item) memcache.MutateResponse

func runStore(
	pick func(*memcache.ShardedClient) storeFunc) func(*cobra.Command, []string) error {

	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		item := &memcache.Item{
			Key:           args[0],
			Value:         []byte(args[1]),
			Flags:         itemFlags,
			DataVersionId: itemCas,
		}
		if itemTTL > 0 {
			item.Expiration = memcache.Expiration(time.Now(), itemTTL)
		}

		if err := pick(client)(ctx, item).Error(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "STORED")
		return nil
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := client.Delete(ctx, args[0]).Error(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "DELETED")
	return nil
}

func runCount(incr bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "Invalid delta %q", args[1])
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp memcache.CountResponse
		if incr {
			resp = client.Increment(ctx, args[0], delta)
		} else {
			resp = client.Decrement(ctx, args[0], delta)
		}
		if err := resp.Error(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Count())
		return nil
	}
}

func runFlush(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp := client.Flush(ctx, uint32(flushDelay/time.Second))
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SERVER\tRESULT")
	for _, result := range resp.Results() {
		outcome := "OK"
		if result.Err != nil {
			outcome = result.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\n", result.Address, outcome)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return resp.Error()
}

func printStats(cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	reports, failures := client.StatsDetailed(ctx)

	addresses := make([]string, 0, len(reports)+len(failures))
	for address := range reports {
		addresses = append(addresses, address)
	}
	for address := range failures {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SERVER\tVERSION\tUPTIME\tITEMS\tCONNS\tHIT RATIO")
	for _, address := range addresses {
		if err, ok := failures[address]; ok {
			fmt.Fprintf(w, "%s\tERROR: %v\t\t\t\t\n", address, err)
			continue
		}
		report := reports[address]
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%d\t%d\t%.2f\n",
			address,
			report.Version(),
			time.Duration(report.Uptime())*time.Second,
			report.CurrItems(),
			report.CurrConnections(),
			report.HitRatio())
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	return printStats(cmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp := client.Version(ctx)
	versions := resp.Versions()
	addresses := make([]string, 0, len(versions))
	for address := range versions {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", address, versions[address])
	}
	return resp.Error()
}

func runRing(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	if len(args) == 0 {
		fmt.Fprintln(w, "SERVER\tSTATE\tLAST SEEN")
		for _, node := range client.Servers() {
			lastSeen := "never"
			if seen := node.LastSeen(); !seen.IsZero() {
				lastSeen = seen.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", node.Address(), node.State(), lastSeen)
		}
		return w.Flush()
	}

	fmt.Fprintln(w, "KEY\tSERVER")
	for _, key := range args {
		node, err := client.NodeForKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", key, node.Address())
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		if err := printStats(cmd); err != nil {
			logger.Warn("Failed to print stats", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
