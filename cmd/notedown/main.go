/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"notedown/internal/config"
	"notedown/internal/crash"
	"notedown/internal/domain"
	"notedown/internal/export"
	applog "notedown/internal/log"
	"notedown/internal/storage"
	"notedown/internal/telemetry"
	"notedown/internal/transfer"
	"notedown/internal/version"
)

func usage() {
	fmt.Println("Notedown, a local-first notes keeper")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  notedown version|-v|--version               Show version")
	fmt.Println("  notedown init                               Create the data directory and seed first-launch content")
	fmt.Println("  notedown list                               List notes, newest first")
	fmt.Println("  notedown show <id>                          Print a single note")
	fmt.Println("  notedown add <title> [content] [emotion]    Create a note")
	fmt.Println("  notedown rm <id> [<id>...]                  Delete notes")
	fmt.Println("  notedown search <query>                     Search note titles and content")
	fmt.Println("  notedown settings [theme <name>]            Show settings, or set the theme")
	fmt.Println("  notedown export                             Write a JSON backup snapshot to the export directory")
	fmt.Println("  notedown export-pdf <file> [<id>...]        Render notes into a PDF")
	fmt.Println("  notedown export-bundle <file> [<id>...]     Write a Markdown bundle (zip)")
	fmt.Println("  notedown preview <file>                     Inspect a backup without importing it")
	fmt.Println("  notedown import <file> [merge|overwrite]    Apply a backup snapshot")
	fmt.Println("  notedown images                             List stored images")
	fmt.Println("  notedown cleanup [force]                    Remove images no note references")
	fmt.Println("  notedown doctor                             Check configuration and database health")
}

func main() {
	cfg, cfgErr := config.Load()
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("cli")
	if cfgErr != nil {
		l.Warn("config load failed, using defaults", slog.Any("err", cfgErr))
	}
	telemetry.NewDefault(telemetry.FromAppConfig(cfg.Telemetry))

	dataDir, err := cfg.General.EffectiveDataDir()
	if err != nil {
		l.Warn("cannot resolve data directory", slog.Any("err", err))
	}
	defer crash.Recover(dataDir)
	defer telemetry.Flush(context.Background())

	// Interrupt cancels in-flight work; a chunked import keeps the
	// chunks committed before the signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := os.Args
	l.Debug("start", slog.Int("args", len(args)))
	if len(args) > 1 {
		telemetry.Event("cli_command", map[string]any{"cmd": args[1]})
		switch args[1] {
		case "version", "--version", "-v":
			fmt.Println("Notedown, a local-first notes keeper")
			fmt.Println(version.String())
			return
		case "init":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runInit(ctx, a); err != nil {
				die(l, "init failed", err)
			}
			return
		case "list":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runList(ctx, a); err != nil {
				die(l, "list failed", err)
			}
			return
		case "show":
			if len(args) < 3 {
				fmt.Println("show requires <id>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runShow(ctx, a, args[2]); err != nil {
				die(l, "show failed", err)
			}
			return
		case "add":
			if len(args) < 3 {
				fmt.Println("add requires <title>")
				usage()
				os.Exit(2)
			}
			content := ""
			if len(args) >= 4 {
				content = args[3]
			}
			emotion := ""
			if len(args) >= 5 {
				emotion = args[4]
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runAdd(ctx, a, args[2], content, emotion); err != nil {
				die(l, "add failed", err)
			}
			return
		case "rm":
			if len(args) < 3 {
				fmt.Println("rm requires at least one <id>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runRemove(ctx, a, args[2:]); err != nil {
				die(l, "rm failed", err)
			}
			return
		case "search":
			if len(args) < 3 {
				fmt.Println("search requires <query>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			printNotes(a.records.SearchNotes(ctx, strings.Join(args[2:], " ")))
			return
		case "settings":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runSettings(ctx, a, args[2:]); err != nil {
				die(l, "settings failed", err)
			}
			return
		case "export":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runExport(ctx, a); err != nil {
				die(l, "export failed", err)
			}
			return
		case "export-pdf":
			if len(args) < 3 {
				fmt.Println("export-pdf requires <file>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			out := ensureExt(args[2], ".pdf")
			if err := export.ExportNotesPDF(ctx, a.records, a.blobs, out, export.PDFOptions{IDs: args[3:]}); err != nil {
				die(l, "export-pdf failed", err)
			}
			fmt.Println("PDF written to", out)
			return
		case "export-bundle":
			if len(args) < 3 {
				fmt.Println("export-bundle requires <file>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			out := ensureExt(args[2], ".zip")
			if err := export.ExportNotesBundle(ctx, a.records, a.blobs, out, export.BundleOptions{IDs: args[3:]}); err != nil {
				die(l, "export-bundle failed", err)
			}
			fmt.Println("Bundle written to", out)
			return
		case "preview":
			if len(args) < 3 {
				fmt.Println("preview requires <file>")
				usage()
				os.Exit(2)
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runPreview(ctx, a, args[2]); err != nil {
				die(l, "preview failed", err)
			}
			return
		case "import":
			if len(args) < 3 {
				fmt.Println("import requires <file>")
				usage()
				os.Exit(2)
			}
			mode := ""
			if len(args) >= 4 {
				mode = args[3]
			}
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runImport(ctx, a, args[2], mode); err != nil {
				die(l, "import failed", err)
			}
			return
		case "images":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runImages(ctx, a); err != nil {
				die(l, "images failed", err)
			}
			return
		case "cleanup":
			force := len(args) >= 3 && args[2] == "force"
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runCleanup(ctx, a, force); err != nil {
				die(l, "cleanup failed", err)
			}
			return
		case "doctor":
			a := mustApp(l, cfg, dataDir)
			defer a.close()
			if err := runDoctor(ctx, a); err != nil {
				die(l, "doctor failed", err)
			}
			return
		}
	}

	usage()
}

// app bundles the opened stores a command works against. Stores open
// lazily, so constructing one is cheap even for commands that end up
// touching only one database.
type app struct {
	cfg     config.AppConfig
	dataDir string
	records *storage.RecordStore
	blobs   *storage.BlobStore
}

func openApp(cfg config.AppConfig, dataDir string) (*app, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("data directory could not be resolved")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &app{
		cfg:     cfg,
		dataDir: dataDir,
		records: storage.NewRecordStore(storage.RecordStoreOptions{Path: config.NotesDBPath(dataDir)}),
		blobs: storage.NewBlobStore(storage.BlobStoreOptions{
			Path:      config.ImagesDBPath(dataDir),
			HandleDir: config.HandlesDir(dataDir),
		}),
	}, nil
}

func mustApp(l *slog.Logger, cfg config.AppConfig, dataDir string) *app {
	a, err := openApp(cfg, dataDir)
	if err != nil {
		l.Error("open stores failed", slog.Any("err", err))
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	return a
}

func (a *app) close() {
	_ = a.records.Close()
	_ = a.blobs.Close()
}

func (a *app) manager() (*transfer.Manager, error) {
	exportDir, err := a.cfg.General.EffectiveExportDir()
	if err != nil {
		return nil, err
	}
	return transfer.NewManager(transfer.Options{
		Records: a.records,
		Blobs:   a.blobs,
		Saver:   transfer.DirSaver{Dir: exportDir},
	}), nil
}

func die(l *slog.Logger, msg string, err error) {
	l.Error(msg, slog.Any("err", err))
	fmt.Println("Error:", err)
	os.Exit(1)
}

func runInit(ctx context.Context, a *app) error {
	if err := a.records.Init(ctx); err != nil {
		return err
	}
	if err := a.blobs.Init(ctx); err != nil {
		return err
	}
	seeded, err := a.records.SeedIfFirstLaunch(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Data directory:", a.dataDir)
	if seeded {
		fmt.Println("Seeded starter notes.")
	} else {
		fmt.Println("Already initialized; nothing to do.")
	}
	return nil
}

func runList(ctx context.Context, a *app) error {
	notes, err := a.records.ListNotes(ctx)
	if err != nil {
		return err
	}
	printNotes(notes)
	return nil
}

func printNotes(notes []domain.Note) {
	for _, n := range notes {
		title := n.Title
		if strings.TrimSpace(title) == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s", n.ID, n.Date, title)
		if n.Emotion != "" {
			fmt.Printf(" [%s]", n.Emotion)
		}
		fmt.Println()
	}
	fmt.Printf("%d note(s)\n", len(notes))
}

func runShow(ctx context.Context, a *app, id string) error {
	n, err := a.records.NoteByID(ctx, id)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("no note with id %s", id)
	}
	title := n.Title
	if strings.TrimSpace(title) == "" {
		title = "(untitled)"
	}
	fmt.Println(title)
	if n.Emotion != "" {
		fmt.Printf("%s (%s)\n", n.Date, n.Emotion)
	} else {
		fmt.Println(n.Date)
	}
	fmt.Println()
	fmt.Println(n.Content)
	return nil
}

func runAdd(ctx context.Context, a *app, title, content, emotion string) error {
	draft := domain.NoteDraft{Title: title, Content: content}
	if emotion != "" {
		found := false
		for _, e := range domain.Emotions() {
			if strings.EqualFold(string(e), emotion) {
				draft.Emotion = e
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown emotion %q", emotion)
		}
	}
	n, err := a.records.CreateNote(ctx, draft)
	if err != nil {
		return err
	}
	fmt.Println("Created", n.ID)
	return nil
}

func runRemove(ctx context.Context, a *app, ids []string) error {
	if err := a.records.DeleteNotes(ctx, ids); err != nil {
		return err
	}
	fmt.Printf("Deleted %d note(s)\n", len(ids))
	return nil
}

func runSettings(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		all, err := a.records.Settings(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No settings stored.")
			return nil
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, string(all[k]))
		}
		return nil
	}
	if args[0] == "theme" && len(args) >= 2 {
		if err := a.records.SetTheme(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("Theme set to", args[1])
		return nil
	}
	return fmt.Errorf("unknown settings arguments %q", strings.Join(args, " "))
}

func runExport(ctx context.Context, a *app) error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	res := m.Export(ctx, printProgress)
	if res.Err != nil {
		return res.Err
	}
	fmt.Printf("Backup written to %s (%d notes, %d settings, %d bytes)\n",
		res.Path, res.Notes, res.Settings, res.Size)
	return nil
}

func runPreview(ctx context.Context, a *app, path string) error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	res := m.PreviewFile(ctx, path)
	if !res.Valid {
		return errors.New(res.Error)
	}
	fmt.Println("Version:", res.Version)
	fmt.Printf("Notes: %d (%d existing, %d new)\n", res.TotalNotes, res.ExistingNotes, res.NewNotes)
	if len(res.SettingKeys) > 0 {
		fmt.Println("Settings:", strings.Join(res.SettingKeys, ", "))
	}
	return nil
}

func runImport(ctx context.Context, a *app, path, mode string) error {
	m, err := a.manager()
	if err != nil {
		return err
	}
	opts := transfer.DefaultImportOptions()
	switch mode {
	case "", string(transfer.MergeModeMerge):
	case string(transfer.MergeModeOverwrite):
		opts.Mode = transfer.MergeModeOverwrite
	default:
		return fmt.Errorf("unknown import mode %q (want merge or overwrite)", mode)
	}
	res := m.ImportFile(ctx, path, opts, printProgress)
	for _, w := range res.Warnings {
		fmt.Println("Warning:", w)
	}
	if !res.Success {
		if res.Cancelled() {
			return fmt.Errorf("cancelled after %d note(s)", res.Imported.Notes)
		}
		return errors.New(strings.Join(res.Errors, "; "))
	}
	fmt.Printf("Imported %d note(s) and %d setting(s)\n", res.Imported.Notes, res.Imported.Settings)
	return nil
}

func runImages(ctx context.Context, a *app) error {
	infos, err := a.blobs.ListImageInfo(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		line := fmt.Sprintf("%s  %8d  %-12s %s", info.ID, info.Size, info.MIMEType, info.Filename)
		if info.IsTemporary {
			line += "  (temporary)"
		}
		fmt.Println(line)
	}
	total, err := a.blobs.TotalImageBytes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d image(s), %d bytes\n", len(infos), total)
	return nil
}

func runCleanup(ctx context.Context, a *app, force bool) error {
	notes, err := a.records.ListNotes(ctx)
	if err != nil {
		return err
	}
	referenced := storage.ReferencedImageIDs(notes)
	var removed int
	if force {
		removed, err = a.blobs.ForceCleanup(ctx, referenced)
	} else {
		removed, err = a.blobs.SafeCleanup(ctx, referenced)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d image(s)\n", removed)
	return nil
}

func runDoctor(ctx context.Context, a *app) error {
	cfgPath, _ := config.ConfigPath()
	fmt.Println("Config file:", cfgPath)
	fmt.Println("Data dir:   ", a.dataDir)
	fmt.Println("Notes DB:   ", a.records.Path())
	fmt.Println("Images DB:  ", a.blobs.Path())

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("%s: FAIL (%v)\n", name, err)
			return
		}
		fmt.Printf("%s: ok\n", name)
	}
	check("notes store", a.records.Init(ctx))
	check("notes integrity", a.records.CheckIntegrity(ctx))
	check("images store", a.blobs.Init(ctx))
	check("images integrity", a.blobs.CheckIntegrity(ctx))

	if n, err := a.records.NoteCount(ctx); err == nil {
		fmt.Println("Notes:      ", n)
	}
	if n, err := a.blobs.ImageCount(ctx); err == nil {
		fmt.Println("Images:     ", n)
	}
	if b, err := a.blobs.TotalThumbnailBytes(ctx); err == nil {
		fmt.Printf("Thumb cache: %d bytes\n", b)
	}
	if failed {
		return errors.New("one or more checks failed")
	}
	return nil
}

// printProgress writes transfer progress lines to stdout.
func printProgress(percent int, status string) {
	fmt.Printf("%3d%% %s\n", percent, status)
}

func ensureExt(path, ext string) string {
	if strings.HasSuffix(strings.ToLower(path), ext) {
		return path
	}
	return path + ext
}
