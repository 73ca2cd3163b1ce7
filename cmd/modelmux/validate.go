// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"fmt"
	"io"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/pipeline"
)

// validate loads the configuration and builds its blueprints without
// touching the network, then prints what a run would assemble.
func validate(c cmdValidate, stdout io.Writer) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	bps, err := pipeline.BuildBlueprints(cfg)
	if err != nil {
		return err
	}

	distinct := make(map[string]bool, len(bps))
	for i := range bps {
		distinct[bps[i].ID] = true
	}
	_, _ = fmt.Fprintf(stdout, "%s: ok (%d providers, %d routes, %d pipelines)\n",
		c.Config, len(cfg.Providers), len(cfg.Routing.Routes), len(distinct))
	for _, route := range cfg.Routing.RouteNames() {
		_, _ = fmt.Fprintf(stdout, "  route %q:\n", route)
		for _, target := range cfg.Routing.Routes[route] {
			_, _ = fmt.Fprintf(stdout, "    -> %s (%s)\n",
				pipeline.PipelineID(target.Provider, target.Model),
				cfg.Providers[target.Provider].Protocol)
		}
	}
	return nil
}
