package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dk5761/reader-sync/internal/app"
	"github.com/dk5761/reader-sync/internal/config"
	"github.com/dk5761/reader-sync/internal/librarysync"
	"github.com/dk5761/reader-sync/internal/models"
	"github.com/dk5761/reader-sync/internal/repository"
	"github.com/dk5761/reader-sync/internal/searchutil"
)

var (
	sqlitePath string
	logLevel   string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "librarysync",
		Short:         "Check followed titles for new chapters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&sqlitePath, "db", "", "SQLite path (defaults to SQLITE_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(entriesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	handler := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if level, err := log.ParseLevel(logLevel); err == nil {
		handler.SetLevel(level)
	}
	return slog.New(handler)
}

func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	logger := newLogger()
	slog.SetDefault(logger)

	core, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), core)
	if err := core.Close(5 * time.Second); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one library sync and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				finished := make(chan librarysync.RunSnapshot, 1)
				unsubscribe := core.Controller.Subscribe(func(snapshot librarysync.RunSnapshot) {
					if snapshot.Current != nil && snapshot.Status == librarysync.StatusRunning {
						fmt.Printf("[%d/%d] %s (%s)\n", snapshot.Processed, snapshot.Total, snapshot.Current.Title, snapshot.Current.SourceID)
					}
					if !snapshot.Active() {
						select {
						case finished <- snapshot:
						default:
						}
					}
				})
				defer unsubscribe()

				started := core.Controller.StartRun(ctx)

				var result librarysync.RunSnapshot
				if !started.Active() {
					result = started
				} else {
					select {
					case result = <-finished:
					case <-signalCtx.Done():
						result = core.Controller.CancelRun()
					}
				}

				if jsonOutput {
					return writeJSON(result)
				}
				fmt.Printf("%s: %d processed, %d updated, %d skipped, %d errors\n",
					result.Status, result.Processed, result.Updated, result.Skipped, result.Errors)
				if result.Status == librarysync.StatusFailed {
					return errors.New(result.ErrorMessage)
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the update journal",
	}

	var (
		limit      int
		cursor     int64
		sourceID   string
		unreadOnly bool
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List update events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				query := repository.EventsPageQuery{Limit: limit, SourceID: sourceID, UnreadOnly: unreadOnly}
				if cursor > 0 {
					query.Cursor = &cursor
				}
				page, err := core.Feed.Page(ctx, query)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(page)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSOURCE\tTITLE\tCHAPTERS\tMODE\tDETECTED")
				for _, event := range page.Items {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						event.ID, event.SourceID, event.MangaTitle, chapterSummary(event),
						event.DetectionMode, event.DetectedAt.Local().Format(time.DateTime))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if page.NextCursor != nil {
					fmt.Printf("\nmore: --cursor %d\n", *page.NextCursor)
				}
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", repository.DefaultEventsPageLimit, "Page size")
	listCmd.Flags().Int64Var(&cursor, "cursor", 0, "Return events older than this id")
	listCmd.Flags().StringVar(&sourceID, "source", "", "Only events from this source")
	listCmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only events after the feed cursor")

	markSeenCmd := &cobra.Command{
		Use:   "mark-seen",
		Short: "Mark every event as seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				state, err := core.Feed.MarkSeenToLatest(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(state)
				}
				fmt.Printf("feed cursor at event %d\n", state.LastSeenEventID)
				return nil
			})
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show unread count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				summary, err := core.Feed.Summary(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(summary)
				}
				fmt.Printf("%d unread (last seen %d, latest %d)\n", summary.UnreadCount, summary.LastSeenEventID, summary.LatestEventID)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, markSeenCmd, summaryCmd)
	return cmd
}

func entriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Manage followed titles",
	}

	var query string
	listCmd := &cobra.Command{
		Use:   "list [source...]",
		Short: "List followed titles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				entries, err := core.Library.ListLibraryEntries(ctx, args...)
				if err != nil {
					return err
				}
				entries = searchutil.FilterEntries(entries, query)
				if jsonOutput {
					return writeJSON(entries)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tMANGA\tTITLE")
				for _, entry := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", entry.SourceID, entry.MangaID, entry.Title)
				}
				return w.Flush()
			})
		},
	}

	listCmd.Flags().StringVar(&query, "query", "", "Only titles matching this text")

	var title string
	addCmd := &cobra.Command{
		Use:   "add <url> | add <source> <mangaId>",
		Short: "Follow a title by url or by source and id",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				entry, err := resolveEntry(ctx, core, args, title)
				if err != nil {
					return err
				}
				saved, err := core.Library.UpsertLibraryEntry(ctx, entry)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(saved)
				}
				fmt.Printf("following %s (%s/%s)\n", saved.Title, saved.SourceID, saved.MangaID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&title, "title", "", "Display title")

	removeCmd := &cobra.Command{
		Use:   "remove <source> <mangaId>",
		Short: "Stop following a title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				deleted, err := core.Library.DeleteLibraryEntry(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("no library entry %s/%s", args[0], args[1])
				}
				fmt.Printf("removed %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}

	var apply bool
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove entries whose source adapter is no longer registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				return pruneStaleEntries(ctx, core, apply)
			})
		},
	}
	pruneCmd.Flags().BoolVar(&apply, "apply", false, "Delete stale entries. Without this flag the command only previews them.")

	var limit int
	searchCmd := &cobra.Command{
		Use:   "search <source> <query>",
		Short: "Search a source for titles to follow",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.App) error {
				connector, ok := core.Registry.Get(args[0])
				if !ok {
					return fmt.Errorf("unknown source %q", args[0])
				}

				searchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				results, err := connector.SearchByTitle(searchCtx, strings.Join(args[1:], " "), limit)
				if err != nil {
					return fmt.Errorf("search %s: %w", connector.Key(), err)
				}
				if jsonOutput {
					return writeJSON(results)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tMANGA\tTITLE\tURL")
				for _, result := range results {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", result.SourceKey, result.SourceItemID, result.Title, result.URL)
				}
				return w.Flush()
			})
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")

	cmd.AddCommand(listCmd, addCmd, removeCmd, pruneCmd, searchCmd)
	return cmd
}

func resolveEntry(ctx context.Context, core *app.App, args []string, title string) (models.LibraryEntry, error) {
	if len(args) == 2 {
		sourceID := strings.ToLower(strings.TrimSpace(args[0]))
		if _, ok := core.Registry.Get(sourceID); !ok {
			return models.LibraryEntry{}, fmt.Errorf("unknown source %q", sourceID)
		}
		if title == "" {
			title = args[1]
		}
		return models.LibraryEntry{SourceID: sourceID, MangaID: args[1], Title: title}, nil
	}

	connector, ok := core.Registry.Get(args[0])
	if !ok {
		return models.LibraryEntry{}, fmt.Errorf("no source adapter matches %s", args[0])
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resolved, err := connector.ResolveByURL(resolveCtx, args[0])
	if err != nil {
		return models.LibraryEntry{}, fmt.Errorf("resolve %s: %w", args[0], err)
	}
	if title == "" {
		title = resolved.Title
	}

	entry := models.LibraryEntry{
		SourceID: connector.Key(),
		MangaID:  resolved.SourceItemID,
		Title:    title,
		URL:      &resolved.URL,
	}
	if resolved.CoverImageURL != "" {
		entry.ThumbnailURL = &resolved.CoverImageURL
	}
	return entry, nil
}

// pruneStaleEntries lists entries no adapter can sync any more and, with
// apply set, deletes them.
func pruneStaleEntries(ctx context.Context, core *app.App, apply bool) error {
	entries, err := core.Library.ListLibraryEntries(ctx)
	if err != nil {
		return err
	}

	stale := make([]models.LibraryEntry, 0)
	for _, entry := range entries {
		if _, ok := core.Registry.Get(entry.SourceID); !ok {
			stale = append(stale, entry)
		}
	}

	if len(stale) == 0 {
		slog.Info("no stale library entries found; nothing to prune")
		return nil
	}

	for _, entry := range stale {
		slog.Info("stale library entry detected", "sourceId", entry.SourceID, "mangaId", entry.MangaID, "title", entry.Title)
	}

	if !apply {
		slog.Info("dry-run complete; rerun with --apply to delete", "stale", len(stale))
		return nil
	}

	deleted := 0
	for _, entry := range stale {
		ok, err := core.Library.DeleteLibraryEntry(ctx, entry.SourceID, entry.MangaID)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", entry.SourceID, entry.MangaID, err)
		}
		if ok {
			deleted++
		}
	}
	slog.Info("pruned stale library entries", "deleted", deleted)
	return nil
}

func chapterSummary(event models.LibraryUpdateEvent) string {
	if event.ChapterDelta > 0 {
		return fmt.Sprintf("+%d (%d)", event.ChapterDelta, event.NewChapterCount)
	}
	return fmt.Sprintf("%d", event.NewChapterCount)
}

func writeJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
