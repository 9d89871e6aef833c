package main

import (
	"fmt"

	"recall/internal/config"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	fmt.Printf("api.base=%q store.path=%q embed.command=%q\n", cfg.API.Base, cfg.Store.Path, cfg.Embed.Command)
	fmt.Printf("identify: threshold=%.2f window_ms=%d blend=%.2f\n",
		cfg.Identify.MatchThreshold, cfg.Identify.WindowMS, cfg.Identify.BlendWeight)
}
