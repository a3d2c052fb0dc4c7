package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/stickercam/internal/compositor"
	"github.com/andresmejia3/stickercam/internal/config"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/store"
	"github.com/andresmejia3/stickercam/internal/utils"
)

var (
	presetStickers []string
	presetConfig   string
	presetNoCheck  bool
)

var presetCmd = &cobra.Command{
	Use:   "preset",
	Short: "Manage saved sticker presets",
}

var presetSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save a sticker set from --sticker flags and/or a config file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runPresetSave(cmd.Context(), args[0])
	},
}

var presetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved presets",
	Run: func(cmd *cobra.Command, args []string) {
		runPresetList(cmd.Context())
	},
}

var presetShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the stickers in a preset",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runPresetShow(cmd.Context(), args[0])
	},
}

var presetDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a preset",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := mustDB(cmd.Context())
		deleted, err := db.DeletePreset(cmd.Context(), args[0])
		if err != nil {
			utils.Die("Failed to delete preset", err, nil)
		}
		if !deleted {
			fmt.Printf("Preset %q not found.\n", args[0])
			return
		}
		fmt.Printf("🗑️  Deleted preset %q\n", args[0])
	},
}

func init() {
	presetSaveCmd.Flags().StringArrayVarP(&presetStickers, "sticker", "s", nil, "Sticker to include: category:asset[@x,y,scale,rot] (repeatable)")
	presetSaveCmd.Flags().StringVarP(&presetConfig, "config", "c", "", "Take stickers from a YAML config file")
	presetSaveCmd.Flags().BoolVar(&presetNoCheck, "no-check", false, "Don't verify that assets can be decoded")

	presetCmd.AddCommand(presetSaveCmd, presetListCmd, presetShowCmd, presetDeleteCmd)
	rootCmd.AddCommand(presetCmd)
}

func mustDB(ctx context.Context) *store.Store {
	db, err := openDB(ctx)
	if err != nil {
		utils.Die("Database unavailable", err, nil)
	}
	return db
}

func runPresetSave(ctx context.Context, name string) {
	reg := registry.New()
	if presetConfig != "" {
		cfg, err := config.Load(presetConfig)
		if err != nil {
			utils.Die("Invalid configuration", err, nil)
		}
		specs, err := cfg.StickerSpecs()
		if err != nil {
			utils.Die("Invalid configuration", err, nil)
		}
		reg.Load(specs)
	}
	for _, s := range presetStickers {
		spec, err := parseStickerFlag(s)
		if err != nil {
			utils.Die("Invalid --sticker", err, nil)
		}
		// The registry drops duplicate assets the same way the live console does
		reg.Add(spec)
	}
	snap := reg.Snapshot()
	if snap.Len() == 0 {
		utils.Die("Nothing to save", fmt.Errorf("give at least one --sticker or a --config with stickers"), nil)
	}

	if !presetNoCheck {
		assets := compositor.NewAssetCache(log)
		for _, s := range snap.Stickers {
			if err := assets.LoadNow(ctx, s.Asset); err != nil {
				utils.Die(fmt.Sprintf("Asset %s is not usable", s.Asset), err, nil)
			}
		}
	}

	db := mustDB(ctx)
	if err := db.SavePreset(ctx, name, snap.Stickers); err != nil {
		utils.Die("Failed to save preset", err, nil)
	}
	fmt.Printf("💾 Saved %d stickers as preset %q\n", snap.Len(), name)
}

func runPresetList(ctx context.Context) {
	presets, err := mustDB(ctx).ListPresets(ctx)
	if err != nil {
		utils.Die("Failed to list presets", err, nil)
	}
	if len(presets) == 0 {
		fmt.Println("No presets found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTICKERS\tUPDATED")
	fmt.Fprintln(w, "----\t--------\t-------")
	for _, p := range presets {
		fmt.Fprintf(w, "%s\t%d\t%s\n", p.Name, p.Count, p.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runPresetShow(ctx context.Context, name string) {
	stickers, err := mustDB(ctx).LoadPreset(ctx, name)
	if err != nil {
		utils.Die("Failed to load preset", err, nil)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tCATEGORY\tASSET\tPIN")
	fmt.Fprintln(w, "-\t--------\t-----\t---")
	for i, s := range stickers {
		pin := "-"
		if !s.Category.Anchored() {
			pin = fmt.Sprintf("%.0f,%.0f w=%.0f", s.Pin.X, s.Pin.Y, s.Pin.Scale)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, s.Category, s.Asset, pin)
	}
	w.Flush()
}
