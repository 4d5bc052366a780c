package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints recent keeper samples and the latest ledger events.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show status")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tReserve\tUnit\tRatio\tStatus\tError")

		for _, sample := range samples {
			errMsg := ""
			if sample.Error != nil {
				errMsg = sanitizeInline(*sample.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\n",
				sample.Bucket.UTC().Format(time.RFC3339),
				formatDecimal(sample.ReservePrice, 2),
				formatDecimal(sample.UnitPrice, 4),
				formatDecimal(sample.Ratio, 4),
				sample.Status,
				errMsg,
			)
		}
		writer.Flush()
	}

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tCaller\tStable\tReserve Out\tBond Out\tBackstop Out\tFee\tRatio")

	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Kind,
			ev.Caller,
			formatDecimal(ev.StableDelta, 4),
			formatDecimal(ev.ReserveOut, 8),
			formatDecimal(ev.BondOut, 4),
			formatDecimal(ev.BackstopOut, 4),
			formatDecimal(ev.Fee, 4),
			formatDecimal(ev.Ratio, 4),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
