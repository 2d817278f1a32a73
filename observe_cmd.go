package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/config"
	"github.com/gitzhang10/CommitDAG/observer"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var target string
var transport string
var fromRounds string
var startIndex uint64
var endIndex uint64

func init() {
	for _, cmd := range []*cobra.Command{observeCmd, fetchCommitsCmd} {
		cmd.Flags().StringVarP(&target, "target", "t", "127.0.0.1:9000", "Address of the node to query")
		cmd.Flags().StringVar(&transport, "transport", config.TransportTCP, "Transport to use: tcp or grpc")
	}
	observeCmd.Flags().StringVarP(&fromRounds, "from", "f", "", "Comma separated highest known round per authority")
	fetchCommitsCmd.Flags().Uint64Var(&startIndex, "start", 1, "First commit index")
	fetchCommitsCmd.Flags().Uint64Var(&endIndex, "end", 1, "Last commit index")
}

func newClient() (observer.Client, error) {
	switch transport {
	case config.TransportTCP:
		return observer.NewTCPClient(target, hclog.NewNullLogger()), nil
	case config.TransportGRPC:
		return observer.NewGRPCClient(target)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, transport)
	}
}

func parseRounds(s string) ([]block.Round, error) {
	if s == "" {
		return nil, errors.New("--from is required")
	}
	parts := strings.Split(s, ",")
	rounds := make([]block.Round, len(parts))
	for i, p := range parts {
		r, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", i, err)
		}
		rounds[i] = block.Round(r)
	}
	return rounds, nil
}

var observeCmd = &cobra.Command{
	Use:          "observe",
	Short:        "Stream the accepted blocks of a node and print them",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		rounds, err := parseRounds(fromRounds)
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sub, err := client.Subscribe(ctx, rounds)
		if err != nil {
			return err
		}
		defer sub.Close()

		out := cmd.OutOrStdout()
		for {
			item, err := sub.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			b, err := block.ParseVerifiedBlock(item.Block)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\tparents=%d\ttxs=%d\tcommit_index=%d\n", b.Reference(), len(b.Parents()), len(b.Transactions()), item.HighestCommitIndex)
		}
	},
}

var fetchCommitsCmd = &cobra.Command{
	Use:          "fetch-commits",
	Short:        "Print the commits of a node in an index range",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		commits, err := client.FetchCommits(ctx, block.CommitIndex(startIndex), block.CommitIndex(endIndex))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, data := range commits {
			c, err := block.ParseCommit(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, c)
		}
		return nil
	},
}
