package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jchantrell/ggpkfs/internal/mount"
	"github.com/spf13/cobra"
)

var (
	allowOther   bool
	mountTimeout time.Duration
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the archive as a read-only filesystem",
	Long: `Mount serves the merged archive tree over FUSE until interrupted. Every
read is answered through the same single archive worker as the other
commands, so large parallel reads are serialized.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		server, err := mount.Mount(mount.Options{
			Mountpoint: args[0],
			Tree:       g,
			AllowOther: allowOther,
			Timeout:    mountTimeout,
			Logger:     slog.Default(),
		})
		if err != nil {
			return err
		}

		done := make(chan struct{})
		go func() {
			server.Wait()
			close(done)
		}()

		select {
		case <-cmd.Context().Done():
			slog.Info("Unmounting", "mountpoint", args[0])
			if err := server.Unmount(); err != nil {
				return fmt.Errorf("unmounting %s: %w", args[0], err)
			}
			<-done
		case <-done:
			// unmounted externally, e.g. fusermount -u
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users read the mount")
	mountCmd.Flags().DurationVar(&mountTimeout, "timeout", 30*time.Second, "bound on each archive request, 0 for none")
}
