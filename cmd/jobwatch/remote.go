package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/jobwatch/pkg/client"
)

// remote runs a manual action against a monitor's control API so it is
// serialized with the monitor's own restart cycles.
func remote(ctx context.Context, flags *Flags, out io.Writer) error {
	c := client.New(client.Config{
		BaseURL: flags.APIUrl,
		Timeout: flags.APITimeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	switch {
	case flags.Status:
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(out, st)
	case flags.Restart:
		rep, err := c.Restart(ctx, "")
		switch {
		case err == nil:
			_, _ = fmt.Fprintf(out, "job restarted after %d attempt(s)\n", len(rep.Attempts))
		case errors.Is(err, client.ErrBusy):
			return err
		case len(rep.Attempts) > 0:
			_, _ = fmt.Fprintf(out, "restart failed after %d attempt(s): %v\n", len(rep.Attempts), err)
		default:
			return err
		}
		return nil
	case flags.Kill:
		if err := c.Kill(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "all processes stopped")
		return nil
	}
	return errors.New("--api-url requires one of --status, --restart or --kill")
}
