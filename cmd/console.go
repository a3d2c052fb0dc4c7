package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/stickercam/internal/compositor"
	"github.com/andresmejia3/stickercam/internal/detector"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/render"
	"github.com/andresmejia3/stickercam/internal/types"
)

const consoleHelp = `commands:
  add <category> <asset> [x y [scale [rotation]]]   activate a sticker (category: glasses, crown, mustache, free)
  remove <id>                                      deactivate a sticker
  clear                                            remove every sticker
  list                                             show active stickers
  status                                           show pipeline state
  save <preset>                                    store active stickers as a preset
  quit                                             stop rendering`

// pipelineStatus is the part of the render loop the console reports on.
type pipelineStatus interface {
	State() render.State
	Ticks() uint64
	Detector() detector.Stats
}

// console maps typed commands onto registry mutations while the pipeline runs.
type console struct {
	reg      *registry.Registry
	assets   *compositor.AssetCache
	pipeline pipelineStatus
	out      io.Writer
	quit     func()
	// save is nil when no database is configured
	save func(ctx context.Context, name string, specs []types.StickerSpec) error
}

var errQuit = errors.New("quit")

// run reads commands until EOF, quit or ctx cancellation.
func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				c.quit()
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "⚠️  %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "add":
		return c.add(ctx, args)
	case "remove", "rm":
		if len(args) != 1 {
			return errors.New("usage: remove <id>")
		}
		s, ok := c.reg.Find(args[0])
		if !ok || !c.reg.Remove(s.ID) {
			return fmt.Errorf("no active sticker with id %s", args[0])
		}
		// Drop the decoded image too, so a fixed file is picked up on the next add
		c.assets.Forget(s.Asset)
		fmt.Fprintf(c.out, "🗑️  Removed %s (%s)\n", s.ID, s.Asset)
	case "clear":
		for _, s := range c.reg.Snapshot().Stickers {
			c.assets.Forget(s.Asset)
		}
		c.reg.Clear()
		fmt.Fprintln(c.out, "🧹 Cleared all stickers")
	case "list", "ls":
		c.list()
	case "status":
		stats := c.pipeline.Detector()
		fmt.Fprintf(c.out, "📊 %s | %d frames rendered | %d detections (%d dropped, %d failed) | %d stickers\n",
			c.pipeline.State(), c.pipeline.Ticks(), stats.Submitted, stats.Dropped, stats.Failed, c.reg.Len())
	case "save":
		if len(args) != 1 {
			return errors.New("usage: save <preset>")
		}
		if c.save == nil {
			return errors.New("no database configured (use --db or POSTGRES_HOST)")
		}
		snap := c.reg.Snapshot()
		if err := c.save(ctx, args[0], snap.Stickers); err != nil {
			return fmt.Errorf("save preset: %w", err)
		}
		fmt.Fprintf(c.out, "💾 Saved %d stickers as preset %q\n", snap.Len(), args[0])
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *console) add(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: add <category> <asset> [x y [scale [rotation]]]")
	}
	category, err := types.ParseCategory(args[0])
	if err != nil {
		return err
	}
	spec := types.StickerSpec{Asset: args[1], Category: category}
	if len(args) > 2 {
		if spec.Pin, err = parsePin(args[2:]); err != nil {
			return err
		}
	}
	// Reject unreadable assets up front rather than silently drawing nothing
	if err := c.assets.LoadNow(ctx, spec.Asset); err != nil {
		return fmt.Errorf("cannot use %s: %w", spec.Asset, err)
	}

	entry, added := c.reg.Add(spec)
	if !added {
		fmt.Fprintf(c.out, "ℹ️  %s is already active as %s\n", entry.Asset, entry.ID)
		return nil
	}
	fmt.Fprintf(c.out, "✅ Added %s %s as %s\n", entry.Category, entry.Asset, entry.ID)
	return nil
}

func (c *console) list() {
	snap := c.reg.Snapshot()
	if snap.Len() == 0 {
		fmt.Fprintln(c.out, "No active stickers.")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tASSET")
	fmt.Fprintln(w, "--\t--------\t-----")
	for _, s := range snap.Stickers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Category, s.Asset)
	}
	w.Flush()
}
