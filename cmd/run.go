package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crestwell/leadpipe/internal/app"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		tenant         string
		domains        string
		mode           string
		skipCrawl      bool
		skipVerify     bool
		forceDiscovery bool
		companyLimit   int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a discovery and verification run",
		Long: `Creates a run for the given tenant and domain list and enqueues the
first stage for each domain. Workers pick the jobs up from the queue,
so a worker process must be running for the run to make progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenant == "" {
				return fmt.Errorf("%w: --tenant is required", errInvalidConfig)
			}
			list := splitDomains(domains)
			if len(list) == 0 {
				return fmt.Errorf("%w: --domains is required", errInvalidConfig)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Orchestrator.StartRun(cmd.Context(), tenant, list, pipeline.RunOptions{
				Mode:           pipeline.Mode(mode),
				SkipCrawl:      skipCrawl,
				SkipVerify:     skipVerify,
				ForceDiscovery: forceDiscovery,
				CompanyLimit:   companyLimit,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the run belongs to")
	cmd.Flags().StringVar(&domains, "domains", "", "comma-separated company domains")
	cmd.Flags().StringVar(&mode, "mode", "full", "run mode: full, autodiscovery, generate, or verify")
	cmd.Flags().BoolVar(&skipCrawl, "skip-crawl", false, "skip the crawl stage")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the verify stage")
	cmd.Flags().BoolVar(&forceDiscovery, "force-discovery", false, "recrawl domains even when recently discovered")
	cmd.Flags().IntVar(&companyLimit, "company-limit", 0, "override the per-run company cap")
	return cmd
}

func splitDomains(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
