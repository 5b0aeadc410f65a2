package main

import (
	"flag"
	"fmt"

	"github.com/nebula-fl/corenode/internal/config"
	"github.com/nebula-fl/corenode/internal/discovery"
	"github.com/nebula-fl/corenode/pkg/model"
)

func runAnnounce(args []string) {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	configPath := fs.String("config", "node.yaml", "path to node YAML config")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("configuration error: %v", err)
	}

	self := model.NodeID(fmt.Sprintf("%s:%d", cfg.Network.IP, cfg.Network.Port))
	err = discovery.Announce(discovery.Beacon{
		Type: discovery.TypeBeacon,
		Node: self,
		Lat:  cfg.Mobility.Lat,
		Lon:  cfg.Mobility.Lon,
	})
	if err != nil {
		fatal("announce failed: %v", err)
	}
	fmt.Printf("sent discovery beacon for %s\n", self)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "node.yaml", "path to node YAML config")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("configuration error: %v", err)
	}
	fmt.Printf("config OK: node %s:%d, scenario %q, role %q, %d neighbors\n",
		cfg.Network.IP, cfg.Network.Port, cfg.Scenario.Name, cfg.Scenario.Role, len(cfg.Network.Neighbors))
}
