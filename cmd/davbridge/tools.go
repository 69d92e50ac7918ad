package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/davbridge/internal/checksum"
	"github.com/alexjbarnes/davbridge/internal/config"
	"github.com/alexjbarnes/davbridge/internal/dav"
	"github.com/alexjbarnes/davbridge/internal/integrity"
	"github.com/alexjbarnes/davbridge/internal/logging"
	"github.com/alexjbarnes/davbridge/internal/state"
	"github.com/alexjbarnes/davbridge/internal/verify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the WebDAV endpoint and remember the URL that answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRemote(cmd, func(ctx context.Context, env *toolEnv) error {
			fmt.Fprintf(cmd.OutOrStdout(), "connected: %s\n", env.client.BaseURL())
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a remote collection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, env *toolEnv) error {
			dir := env.cfg.RemoteDir
			if len(args) == 1 {
				dir = path.Join("/", args[0])
			}

			entries, err := env.client.List(ctx, dir)
			if err != nil {
				return fmt.Errorf("listing %s: %w", dir, err)
			}

			return writeEntries(cmd.OutOrStdout(), entries)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <local-file> <remote-path>",
	Short: "Verify a remote copy against a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, env *toolEnv) error {
			digest, err := checksum.Digest(args[0], checksum.SHA256)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", args[0], err)
			}

			res := verify.New(env.client, env.logger).Verify(ctx, args[0], path.Join("/", args[1]), digest)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Method, res.Reason)

			return res.Err()
		})
	},
}

var checkRepair bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Re-verify every recorded transfer against the server",
	Long: `check walks the transfer records and verifies each remote copy again.
Files are reported as verified, missing, changed, local_missing or error.
With --repair the records of missing and changed files are dropped so the
next run uploads them again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRemote(cmd, func(ctx context.Context, env *toolEnv) error {
			report, err := integrity.New(integrity.Config{
				Store:    env.state,
				Remote:   env.client,
				Verifier: verify.New(env.client, env.logger),
				Repair:   checkRepair,
				Logger:   env.logger,
			}).Run(ctx)
			if err != nil {
				return fmt.Errorf("checking transfers: %w", err)
			}

			return writeReport(cmd.OutOrStdout(), report)
		})
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "drop records of missing and changed files")
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print verified transfer records as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		appState, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
		defer appState.Close()

		recs, err := appState.AllTransfers()
		if err != nil {
			return fmt.Errorf("reading transfer records: %w", err)
		}

		return writeRecords(cmd.OutOrStdout(), recs)
	},
}

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy <config.json>",
	Short: "Import upload history and checksums from an old desktop config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		doc, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		appState, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
		defer appState.Close()

		transfers, checksums, err := importLegacy(doc, appState, cfg.ChecksumCacheMax)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported %d transfer records and %d checksums\n", transfers, checksums)

		return nil
	},
}

type toolEnv struct {
	cfg    *config.Config
	client *dav.Client
	state  *state.State
	logger *slog.Logger
}

// withRemote loads config and state, connects to the server and runs fn.
func withRemote(cmd *cobra.Command, fn func(ctx context.Context, env *toolEnv) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	ctx := cmd.Context()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client, err := connect(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}

	return fn(ctx, &toolEnv{cfg: cfg, client: client, state: appState, logger: logger})
}

// connect builds a client and probes the server. A URL adopted by an
// earlier probe is tried first and the result is remembered.
func connect(ctx context.Context, cfg *config.Config, appState *state.State, logger *slog.Logger) (*dav.Client, error) {
	client, err := dav.New(dav.Config{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Auth:     cfg.AuthType,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating webdav client: %w", err)
	}

	configured := client.BaseURL()

	if saved := appState.RemoteURL(); saved != "" && strings.HasPrefix(saved, configured) {
		if err := client.SetBaseURL(saved); err != nil {
			logger.Warn("ignoring saved endpoint", slog.String("url", saved), slog.String("error", err.Error()))
		}
	}

	adopted, err := client.Probe(ctx)
	if err != nil && client.BaseURL() != configured {
		// The saved endpoint may be stale; start over from the configured URL.
		if err := client.SetBaseURL(configured); err != nil {
			return nil, err
		}

		adopted, err = client.Probe(ctx)
	}

	if err != nil {
		return nil, fmt.Errorf("probing server: %w", err)
	}

	if adopted != appState.RemoteURL() {
		if err := appState.SetRemoteURL(adopted); err != nil {
			logger.Warn("failed to save endpoint", slog.String("error", err.Error()))
		}
	}

	logger.Info("connected to webdav server", slog.String("url", adopted))

	return client, nil
}

func writeEntries(w io.Writer, entries []dav.Entry) error {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		return entries[i].Name < entries[j].Name
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for _, e := range entries {
		name, size := e.Name, fmt.Sprint(e.Size)
		if e.IsDir {
			name += "/"
			size = "-"
		}

		modified := ""
		if !e.LastModified.IsZero() {
			modified = e.LastModified.Local().Format(time.DateTime)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\n", size, modified, name)
	}

	return tw.Flush()
}

// writeReport prints the issues of an integrity check followed by the
// counts per class.
func writeReport(w io.Writer, r integrity.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for _, is := range r.Issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", is.Class, is.Path, is.Details)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "checked %d: %d verified, %d missing, %d changed, %d local missing, %d errors\n",
		r.Total, r.Verified, r.Missing, r.Changed, r.LocalMissing, r.Errors)

	return err
}

type recordView struct {
	File     string    `yaml:"file"`
	Remote   string    `yaml:"remote"`
	Digest   string    `yaml:"sha256"`
	Uploaded time.Time `yaml:"uploaded"`
	Skipped  bool      `yaml:"skipped,omitempty"`
}

// writeRecords prints transfer records as a YAML list sorted by local
// path.
func writeRecords(w io.Writer, recs map[string]state.TransferRecord) error {
	views := make([]recordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, recordView{
			File:     r.FilePath,
			Remote:   r.RemotePath,
			Digest:   r.Digest,
			Uploaded: r.Timestamp.UTC(),
			Skipped:  r.Skipped,
		})
	}

	sort.Slice(views, func(i, j int) bool { return views[i].File < views[j].File })

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}

	return enc.Close()
}

// importLegacy merges a legacy config document into appState: transfer
// records that are not already present, and checksum cache entries
// converted to the current key format.
func importLegacy(doc []byte, appState *state.State, cacheMax int) (transfers, checksums int, err error) {
	legacy, err := state.ParseLegacy(doc)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing legacy config: %w", err)
	}

	transfers, err = appState.ImportTransfers(legacy.Transfers)
	if err != nil {
		return transfers, 0, fmt.Errorf("importing transfers: %w", err)
	}

	cache := checksum.NewCache(cacheMax)
	if err := cache.Load(appState); err != nil {
		return transfers, 0, err
	}

	for _, e := range legacy.Checksums {
		key, ok := checksum.LegacyKey(e.Key)
		if !ok {
			continue
		}

		cache.Put(key, e.Digest)
		checksums++
	}

	if err := cache.Save(appState); err != nil {
		return transfers, checksums, err
	}

	return transfers, checksums, nil
}
