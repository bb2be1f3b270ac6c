package scoretool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"recordable/server/internal/auth"
	"recordable/server/internal/export"
	scoregrpc "recordable/server/internal/grpc"
	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

// NewRootCommand assembles the scoretool command tree.
func NewRootCommand() *cobra.Command {
	var source Source
	root := &cobra.Command{
		Use:           "scoretool",
		Short:         "Inspect, export and maintain recorded scores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&source.StoreDir, "store", "", "resolve score ids inside this file store directory")
	flags.StringVar(&source.Remote, "remote", "", "resolve score ids on the score service at this gRPC address")
	flags.StringVar(&source.Secret, "secret", os.Getenv("RECORDABLE_GRPC_SHARED_SECRET"), "shared secret for the score service")

	root.AddCommand(
		inspectCommand(&source),
		volumesCommand(&source),
		renderCommand(&source),
		midiCommand(&source),
		scopeCommand(&source),
		streamCommand(&source),
		listCommand(),
		sweepCommand(),
		auditCommand(),
		tokenCommand(),
	)
	return root
}

func inspectCommand(source *Source) *cobra.Command {
	var withTicks bool
	cmd := &cobra.Command{
		Use:   "inspect <score>",
		Short: "Summarise a score as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, data, err := source.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			summary, err := Inspect(id, data, withTicks)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().BoolVar(&withTicks, "ticks", false, "include every scheduled group")
	return cmd
}

func volumesCommand(source *Source) *cobra.Command {
	return &cobra.Command{
		Use:   "volumes <score>",
		Short: "Print the loudness of every tick that carries sounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			//1.- Remote profiles come from the server cache instead of a full download.
			if source.Remote != "" {
				id, err := score.ParseID(args[0])
				if err != nil {
					return err
				}
				client, closeConn, err := dialRemote(*source)
				if err != nil {
					return err
				}
				defer closeConn()
				entries, err := client.GetTickVolumes(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			profile, err := loadProfile(cmd.Context(), *source, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), profile)
		},
	}
}

func renderCommand(source *Source) *cobra.Command {
	var out string
	var opts export.RenderOptions
	cmd := &cobra.Command{
		Use:   "render <score>",
		Short: "Render a score to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := loadScore(cmd.Context(), *source, args[0])
			if err != nil {
				return err
			}
			file, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := export.RenderWAV(decoded, file, opts); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d samples)\n", out, export.RenderLength(decoded, opts))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "score.wav", "output WAV path")
	cmd.Flags().Float64Var(&opts.TickRate, "tick-rate", export.DefaultTickRate, "simulation ticks per second")
	cmd.Flags().DurationVar(&opts.ToneDuration, "tone", export.DefaultToneDuration, "length of each rendered sound")
	return cmd
}

func midiCommand(source *Source) *cobra.Command {
	var out string
	var opts export.MIDIOptions
	cmd := &cobra.Command{
		Use:   "midi <score>",
		Short: "Export a score as a standard MIDI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := loadScore(cmd.Context(), *source, args[0])
			if err != nil {
				return err
			}
			file, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := export.WriteMIDI(decoded, file, opts); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d sounds)\n", out, decoded.SoundCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "score.mid", "output MIDI path")
	cmd.Flags().Float64Var(&opts.TickRate, "tick-rate", export.DefaultTickRate, "simulation ticks per second")
	cmd.Flags().Float64Var(&opts.Tempo, "tempo", export.DefaultTempo, "tempo in beats per minute")
	return cmd
}

func scopeCommand(source *Source) *cobra.Command {
	return &cobra.Command{
		Use:   "scope <score>",
		Short: "Browse the loudness profile in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := loadProfile(cmd.Context(), *source, args[0])
			if err != nil {
				return err
			}
			screen, err := tcell.NewScreen()
			if err != nil {
				return fmt.Errorf("open terminal: %w", err)
			}
			return NewScope(profile).Run(screen)
		},
	}
}

func streamCommand(source *Source) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <score-id>",
		Short: "Follow a paced loudness replay from the score service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source.Remote == "" {
				return errors.New("stream requires --remote")
			}
			id, err := score.ParseID(args[0])
			if err != nil {
				return err
			}
			client, closeConn, err := dialRemote(*source)
			if err != nil {
				return err
			}
			defer closeConn()
			out := cmd.OutOrStdout()
			return client.StreamVolumes(cmd.Context(), id, func(entry volume.TickVolume) error {
				_, err := fmt.Fprintf(out, "%6d %.3f\n", entry.Tick, entry.Volume)
				return err
			})
		},
	}
}

func listCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list <dir>",
		Short: "List the scores of a file store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := List(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				payload, err := MarshalEntries(entries)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(payload))
				return err
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s  %s  final tick %d  %d bytes (%s)\n",
					entry.Header.ScoreID, entry.Header.CreatedAt.Format(time.RFC3339), entry.Header.FinalTick, entry.Header.RawBytes, entry.Header.Codec)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of human-readable output")
	return cmd
}

func sweepCommand() *cobra.Command {
	var policy storage.RetentionPolicy
	cmd := &cobra.Command{
		Use:   "sweep <dir>",
		Short: "Apply a retention policy to a file store once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !policy.Enabled() {
				return errors.New("set --max-scores or --max-age")
			}
			logger := logging.NewWriterLogger(cmd.ErrOrStderr(), logging.InfoLevel)
			store, err := openExistingStore(args[0], storage.FileOptions{Retention: policy, Logger: logger})
			if err != nil {
				return err
			}
			stats := store.Cleaner().RunOnce()
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d, kept %d scores (%d bytes)\n", stats.Removed, stats.Scores, stats.Bytes)
			return nil
		},
	}
	cmd.Flags().IntVar(&policy.MaxScores, "max-scores", 0, "keep at most this many scores")
	cmd.Flags().DurationVar(&policy.MaxAge, "max-age", 0, "remove scores older than this")
	return cmd
}

func auditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <dir>",
		Short: "Print the mutation log of a file store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := storage.ReadAuditLog(filepath.Join(args[0], storage.AuditFileName))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, event := range events {
				fmt.Fprintf(out, "%s  %-8s %s", event.Time.Format(time.RFC3339), event.Action, event.ScoreID)
				if event.Reason != "" {
					fmt.Fprintf(out, "  (%s)", event.Reason)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func tokenCommand() *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a listener token for the volume stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyring, err := auth.NewKeyring(secret, 0)
			if err != nil {
				return err
			}
			token, err := keyring.Issue(subject, auth.AudienceVolumes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "ws-secret", os.Getenv("RECORDABLE_WS_AUTH_SECRET"), "listener token signing secret")
	cmd.Flags().StringVar(&subject, "subject", "scoretool", "listener identity")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	return cmd
}

func dialRemote(source Source) (*scoregrpc.Client, func(), error) {
	conn, err := scoregrpc.Dial(source.Remote, source.Secret)
	if err != nil {
		return nil, nil, err
	}
	return scoregrpc.NewClient(conn), func() { _ = conn.Close() }, nil
}

func loadScore(ctx context.Context, source Source, ref string) (*score.Score, error) {
	_, data, err := source.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return score.Decode(data)
}

func loadProfile(ctx context.Context, source Source, ref string) (*volume.Profile, error) {
	id, data, err := source.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return volume.Compute(id, data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
