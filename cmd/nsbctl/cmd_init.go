package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/compiler"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the initial topology (nodes, workers, L3 config) into the store",
	Long: `init reads nodes.json, workers.json, and l3.json from the spec
directory (-S/--specs, default from settings) and writes
/config/nodes/<name>, /config/workers/<name>, and /config/L3-config.

Fails with a conflict error if any node already exists, unless --force
is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := loadNodes(filepath.Join(app.specDir, "nodes.json"))
		if err != nil {
			return usageErrorf("loading nodes.json: %v", err)
		}
		workers, err := loadWorkers(filepath.Join(app.specDir, "workers.json"))
		if err != nil {
			return usageErrorf("loading workers.json: %v", err)
		}
		l3, err := loadL3Config(filepath.Join(app.specDir, "l3.json"))
		if err != nil {
			return usageErrorf("loading l3.json: %v", err)
		}

		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		comp, err := compiler.New(ctx, cli)
		if err != nil {
			return fmt.Errorf("constructing compiler: %w", err)
		}
		if err := comp.Init(ctx, nodes, workers, l3, app.force); err != nil {
			return err
		}
		fmt.Printf("initialized %d node(s), %d worker(s)\n", len(nodes), len(workers))
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&app.force, "force", false, "Overwrite existing node records")
}

func loadNodes(path string) ([]topo.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nodes []topo.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return nodes, nil
}

func loadWorkers(path string) ([]topo.Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var workers []topo.Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return workers, nil
}

func loadL3Config(path string) (topo.L3Config, error) {
	var l3 topo.L3Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l3, nil // L3 config is optional; zero value means static routing, TC off.
		}
		return l3, err
	}
	if err := json.Unmarshal(data, &l3); err != nil {
		return l3, fmt.Errorf("parsing %s: %w", path, err)
	}
	return l3, nil
}
