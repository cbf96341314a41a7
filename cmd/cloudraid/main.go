package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kochman/cloudraid/config"
	"github.com/kochman/cloudraid/nbd"
	"github.com/kochman/cloudraid/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const megabyte = 1000 * 1000

var (
	configPath string
	logLevel   string
	log        = logrus.New()
)

func main() {
	err := rootCmd().ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cloudraid",
		Short:        "Store files striped across three blob stores",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetOutput(os.Stderr)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "cloudraid.yaml", "config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")

	root.AddCommand(readCmd(), writeCmd(), deleteCmd(), lsCmd(), nbdCmd())
	return root
}

func openSession(ctx context.Context) (*session.Session, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return c.Session(ctx, logrus.NewEntry(log))
}

func readCmd() *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "read NAME",
		Short: "Print part of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			fd := s.Open(args[0])
			p, err := s.Read(ctx, fd, length, offset)
			if err != nil {
				return fmt.Errorf("unable to read %q: %w", args[0], err)
			}
			_, err = cmd.OutOrStdout().Write(p)
			return err
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start at")
	cmd.Flags().Int64Var(&length, "length", 4096, "number of bytes to read")
	return cmd
}

func writeCmd() *cobra.Command {
	var offset int64
	cmd := &cobra.Command{
		Use:   "write NAME [DATA]",
		Short: "Write DATA, or stdin, into a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			} else {
				var err error
				data, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("unable to read stdin: %w", err)
				}
			}

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			fd := s.Open(args[0])
			report, err := s.Write(ctx, fd, data, offset)
			if err != nil {
				return fmt.Errorf("unable to write %q: %w", args[0], err)
			}
			if report.LostBlocks > 0 {
				return fmt.Errorf("%d of %d blocks were not stored: %w", report.LostBlocks, report.Blocks, report.Warnings)
			}
			log.WithFields(logrus.Fields{
				"blocks":   report.Blocks,
				"replicas": report.Replicas - report.FailedReplicas,
			}).Info("written")
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start at")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a file from every backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Shutdown()
			return s.Delete(ctx, args[0])
		},
	}
}

func lsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the keys stored on each backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			out := cmd.OutOrStdout()
			for _, b := range s.Backends() {
				keys, err := b.List(ctx, prefix)
				if err != nil {
					log.WithField("backend", b.Name()).Errorf("unable to list: %v", err)
					continue
				}
				for _, k := range keys {
					fmt.Fprintf(out, "%s\t%s\n", b.Name(), k)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list keys with this prefix")
	return cmd
}

func nbdCmd() *cobra.Command {
	var (
		listen string
		size   int64
	)
	cmd := &cobra.Command{
		Use:   "nbd NAME",
		Short: "Export a file as a network block device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			f := nbd.NewFile(s, args[0], size)
			defer f.Close()
			srv := nbd.NewServer(args[0], f, logrus.NewEntry(log))
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":10809", "address to listen on")
	cmd.Flags().Int64Var(&size, "size", 1000*megabyte, "size of the exported device in bytes")
	return cmd
}
