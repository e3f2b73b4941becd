package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/medsupply/patientdesk/internal/domain/patient"
	"github.com/medsupply/patientdesk/internal/platform/storage"
)

// maxActionLine bounds one replayed action; medicine photos and
// prescriptions travel inline as data URLs.
const maxActionLine = 32 << 20

// withStorage loads config, opens the configured backend and runs fn.
func withStorage(fn func(ctx context.Context, kv storage.KV) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	kv, _, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()
	return fn(ctx, kv)
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored patients, details and session as one JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return withStorage(func(ctx context.Context, kv storage.KV) error {
				if out == "" || out == "-" {
					return exportState(ctx, kv, cmd.OutOrStdout())
				}
				return exportFile(ctx, kv, out)
			})
		},
	}
	cmd.Flags().StringP("out", "o", "", "Output file (default stdout)")
	return cmd
}

// exportFile writes the export to path. A failed close is reported, since
// it may mean the data never reached the disk.
func exportFile(ctx context.Context, kv storage.KV, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return exportState(ctx, kv, f)
}

func exportState(ctx context.Context, kv storage.KV, w io.Writer) error {
	data, err := patient.Load(ctx, kv)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the stored state with an exported document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()
			return withStorage(func(ctx context.Context, kv storage.KV) error {
				n, err := importState(ctx, kv, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d patient(s).\n", n)
				return nil
			})
		},
	}
}

// importState validates an exported document and writes it over the stored
// keys. Nothing is written when validation fails.
func importState(ctx context.Context, kv storage.KV, r io.Reader) (int, error) {
	var data patient.LoadData
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return 0, fmt.Errorf("decode import: %w", err)
	}

	seen := make(map[string]bool, len(data.Patients))
	for i, p := range data.Patients {
		if strings.TrimSpace(p.ID) == "" {
			return 0, fmt.Errorf("patient %d: missing id", i)
		}
		if seen[p.ID] {
			return 0, fmt.Errorf("patient %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if !p.Status.Valid() {
			return 0, fmt.Errorf("patient %q: unknown status %q", p.ID, p.Status)
		}
	}
	for id := range data.PatientDetails {
		if !seen[id] {
			return 0, fmt.Errorf("details for unknown patient %q", id)
		}
	}

	st := patient.Apply(patient.NewState(), data)
	if err := patient.Save(ctx, kv, st); err != nil {
		return 0, err
	}
	return len(st.Patients), nil
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file>",
		Short: "Apply a JSON-lines action log over the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()
			return withStorage(func(ctx context.Context, kv storage.KV) error {
				res, err := replayActions(ctx, kv, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d action(s), ignored %d unknown.\n", res.Applied, res.Ignored)
				return nil
			})
		},
	}
}

type replayResult struct {
	Applied int
	Ignored int
}

// replayActions dispatches every line of r through a store seeded from kv and
// saves once at the end. A malformed line aborts the replay before anything
// is written.
func replayActions(ctx context.Context, kv storage.KV, r io.Reader) (replayResult, error) {
	var res replayResult
	initial, err := patient.Load(ctx, kv)
	if err != nil {
		return res, err
	}
	store := patient.NewStore()
	store.Dispatch(initial)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxActionLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		a, err := patient.DecodeAction([]byte(raw))
		if err != nil {
			return replayResult{}, fmt.Errorf("line %d: %w", line, err)
		}
		if _, ok := a.(patient.UnknownAction); ok {
			res.Ignored++
			continue
		}
		store.Dispatch(a)
		res.Applied++
	}
	if err := scanner.Err(); err != nil {
		return replayResult{}, fmt.Errorf("read actions: %w", err)
	}

	if err := patient.Save(ctx, kv, store.State()); err != nil {
		return replayResult{}, err
	}
	return res, nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print patient counts and pending payment totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(func(ctx context.Context, kv storage.KV) error {
				data, err := patient.Load(ctx, kv)
				if err != nil {
					return err
				}
				return writeStats(cmd.OutOrStdout(), patient.Apply(patient.NewState(), data))
			})
		},
	}
}

func writeStats(w io.Writer, st patient.State) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPATIENTS")
	counts := patient.CountByStatus(st.Patients)
	for _, s := range patient.Statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s.Label(), counts[s])
	}
	fmt.Fprintf(tw, "Total\t%d\n", len(st.Patients))
	if err := tw.Flush(); err != nil {
		return err
	}

	type owed struct {
		name  string
		total float64
	}
	rows := lo.FilterMap(st.Patients, func(p patient.Patient, _ int) (owed, bool) {
		d, ok := st.FindDetails(p.ID)
		if !ok {
			return owed{}, false
		}
		t := patient.PendingTotal(d)
		return owed{name: p.Name, total: t}, t > 0
	})
	sum := lo.SumBy(rows, func(r owed) float64 { return r.total })
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "\nNo pending payments.")
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].total > rows[j].total })

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATIENT\tPENDING")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.2f\n", r.name, r.total)
	}
	fmt.Fprintf(tw, "Total\t%.2f\n", sum)
	return tw.Flush()
}
