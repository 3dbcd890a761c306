// Command vectorkv-watch watches a directory tree and calls reindex on a
// running vectorkv-server whenever a watched file's content changes,
// honoring .gitignore. It is a convenience wrapper around the reindex RPC
// and does not touch engine semantics.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/cobra"

	"github.com/vectorkv/vectorkv/internal/wire"
)

var (
	serverAddr string
	root       string
)

var rootCmd = &cobra.Command{
	Use:   "vectorkv-watch <dir>",
	Short: "Watch a directory and reindex changed files against a running vectorkv-server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root = args[0]
		return watch(root)
	},
}

func loadGitignore(root string) *ignore.GitIgnore {
	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(patterns...)
}

func watch(root string) error {
	gi := loadGitignore(root)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && gi != nil && gi.MatchesPath(rel) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}

	fmt.Printf("watching %s, reindexing against %s\n", root, serverAddr)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rel, err := filepath.Rel(root, event.Name)
			if err == nil && gi != nil && gi.MatchesPath(rel) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				continue
			}
			if err := reindex(event.Name); err != nil {
				fmt.Fprintf(os.Stderr, "reindex %s: %v\n", event.Name, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		}
	}
}

func reindex(path string) error {
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := wire.EncodeReindexBody(wire.ReindexBody{Filepath: path})
	if err != nil {
		return err
	}
	if err := wire.WriteRequest(conn, wire.Request{Method: wire.MethodReindex, Body: body}); err != nil {
		return err
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("reindexed %s\n", path)
	return nil
}

func main() {
	rootCmd.Flags().StringVar(&serverAddr, "addr", "127.0.0.1:5051", "vectorkv-server address")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
