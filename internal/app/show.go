package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"price-attestor/internal/storage"
)

type showStore interface {
	storage.AttestationStore
	ListRecentRounds(ctx context.Context, limit int) ([]storage.RoundRecord, error)
}

// Show prints recent attestations, or recent rounds when opts.Rounds is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show attestations")
	if err != nil {
		return err
	}
	defer closeStore()

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return writeStored(ctx, store, opts, out)
}

func writeStored(ctx context.Context, store showStore, opts ShowOptions, out io.Writer) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if opts.Rounds {
		rounds, err := store.ListRecentRounds(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(rounds) == 0 {
			fmt.Fprintln(writer, "no rounds found")
			return nil
		}
		fmt.Fprintln(writer, "ID\tRound (UTC)\tSigner\tStatus\tTx\tError")
		for _, r := range rounds {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.RoundTS.UTC().Format(time.RFC3339),
				r.Signer,
				r.Status,
				derefOr(r.TxHash, "-"),
				sanitizeInline(derefOr(r.Error, "")),
			)
		}
		return nil
	}

	records, err := store.ListRecentAttestations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(writer, "no attestations found")
		return nil
	}

	fmt.Fprintln(writer, "Round\tIdx\tObserved (UTC)\tSource\tPrice\tScaled\tStatus\tSignature")
	for _, rec := range records {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RoundID,
			rec.Index,
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.Source,
			rec.Price.String(),
			rec.ScaledPrice.String(),
			rec.Status,
			shortHex(rec.Signature),
		)
	}

	total, err := store.CountAttestations(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(writer, "\nshowing %d of %d stored attestations\n", len(records), total)
	return nil
}

func shortHex(b []byte) string {
	encoded := hex.EncodeToString(b)
	if len(encoded) <= 16 {
		return "0x" + encoded
	}
	return "0x" + encoded[:8] + ".." + encoded[len(encoded)-8:]
}

func derefOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
