// Command vectorkv is a client CLI: it dials a running vectorkv-server and
// issues query/add/reindex requests, or drops into an interactive REPL.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/vectorkv/vectorkv/internal/wire"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "vectorkv",
	Short: "Client for a running vectorkv-server",
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a similarity query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filters, _ := cmd.Flags().GetStringSlice("filter")
		k, _ := cmd.Flags().GetUint32("k")
		return runQuery(strings.Join(args, " "), filters, k)
	},
}

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Embed and store a text source",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdd(strings.Join(args, " "))
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <path>",
	Short: "Reindex a file against the running engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReindex(args[0])
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report engine size and tombstone ratio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive query shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runREPL()
	},
}

func dial() (net.Conn, error) {
	return net.Dial("tcp", serverAddr)
}

func roundTrip(req wire.Request) (wire.Response, error) {
	conn, err := dial()
	if err != nil {
		return wire.Response{}, fmt.Errorf("dialing %s: %w", serverAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, err
	}
	return wire.ReadResponse(conn)
}

func runQuery(text string, filters []string, k uint32) error {
	body, err := wire.EncodeQueryBody(wire.QueryBody{Text: text, Filters: filters, K: k})
	if err != nil {
		return err
	}
	resp, err := roundTrip(wire.Request{Method: wire.MethodQuery, Body: body})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	for _, r := range resp.Results {
		if r.Source.Subset != nil {
			fmt.Printf("%.4f  %s [%d:%d]\n", r.Score, r.Source.Filepath, r.Source.Subset[0], r.Source.Subset[1])
		} else {
			fmt.Printf("%.4f  %s\n", r.Score, r.Source.Filepath)
		}
	}
	return nil
}

func runAdd(text string) error {
	body, err := wire.EncodeAddBody(wire.AddBody{Content: text})
	if err != nil {
		return err
	}
	resp, err := roundTrip(wire.Request{Method: wire.MethodAdd, Body: body})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println("added")
	return nil
}

func runReindex(path string) error {
	body, err := wire.EncodeReindexBody(wire.ReindexBody{Filepath: path})
	if err != nil {
		return err
	}
	resp, err := roundTrip(wire.Request{Method: wire.MethodReindex, Body: body})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println("reindexed")
	return nil
}

func runStats() error {
	resp, err := roundTrip(wire.Request{Method: wire.MethodStats})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	s := resp.Stats
	fmt.Printf("embeddings=%d graph=%d cached=%d tombstone_ratio=%.3f\n",
		s.EmbeddingCount, s.GraphSize, s.CachedVectors, s.TombstoneRatio)
	return nil
}

func runREPL() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("vectorkv repl — type a query, or :add <text>, :reindex <path>, :stats, :quit")
	for {
		input, err := line.Prompt("vectorkv> ")
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch {
		case input == ":quit":
			return nil
		case input == ":stats":
			if err := runStats(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		case strings.HasPrefix(input, ":add "):
			if err := runAdd(strings.TrimPrefix(input, ":add ")); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		case strings.HasPrefix(input, ":reindex "):
			if err := runReindex(strings.TrimPrefix(input, ":reindex ")); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		default:
			if err := runQuery(input, nil, 10); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:5051", "vectorkv-server address")
	queryCmd.Flags().StringSlice("filter", nil, "filter clause, repeatable (e.g. --filter 'lang = rs')")
	queryCmd.Flags().Uint32("k", 10, "number of results")

	rootCmd.AddCommand(queryCmd, addCmd, reindexCmd, statsCmd, replCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
