package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/taoyao-code/enso-gateway/internal/app"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"github.com/taoyao-code/enso-gateway/internal/storage"
	"go.uber.org/zap"
)

var logdumpCmd = &cobra.Command{
	Use:   "logdump",
	Short: "Print every record of the persisted shadow logs",
	RunE:  logdump,
}

func logdump(cmd *cobra.Command, args []string) error {
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return err
	}
	deps, err := app.OpenStorage(cmd.Context(), cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer deps.Close()

	return dumpLogs(cmd.Context(), deps.Backend, cmd.OutOrStdout())
}

// dumpLogs 依次打印归档日志与当前日志；不存在的日志跳过，损坏处之前的记录照常打印
func dumpLogs(ctx context.Context, backend storage.Backend, out io.Writer) error {
	m := storage.NewManager(backend, nil, nil, 0, zap.NewNop())
	var errs []error

	for _, name := range []string{storage.ArchiveLog, storage.CurrentLog} {
		ok, err := backend.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "%s: not present\n", name)
			continue
		}

		records, err := m.ReadRecords(ctx, name)
		size, _ := backend.Size(ctx, name)
		fmt.Fprintf(out, "%s: %d records, %d bytes\n", name, len(records), size)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for i, r := range records {
			fmt.Fprintf(tw, "%d\t%s\n", i, r)
		}
		_ = tw.Flush()

		if err != nil {
			fmt.Fprintf(out, "%s: corrupted after record %d: %v\n", name, len(records), err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
