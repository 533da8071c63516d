package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/engine"
	"caseline/internal/repo"
)

func processCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "process", Short: "Open and drive cases"}
	cmd.AddCommand(processCreateCmd())
	cmd.AddCommand(processListCmd())
	cmd.AddCommand(processShowCmd())
	cmd.AddCommand(processCountriesCmd())
	cmd.AddCommand(processDecideCmd())
	cmd.AddCommand(processRevokeCmd())

	actions := []struct {
		use, short string
		drain      bool
		run        action
	}{
		{"submit", "Submit a prepared case", false, act((*engine.Engine).Submit)},
		{"start-authorisation", "Start authorisation", false, act((*engine.Engine).StartAuthorisation)},
		{"cancel-authorisation", "Return the case to processing", false, act((*engine.Engine).CancelAuthorisation)},
		{"acknowledge-refusal", "Close a refused case", false, act((*engine.Engine).AcknowledgeRefusal)},
		{"retry-documents", "Retry failed document generation", true, act((*engine.Engine).RetryDocuments)},
		{"recreate-documents", "Regenerate documents of a stalled generation", true, act((*engine.Engine).RecreateDocuments)},
		{"resend", "Resubmit to the authority", false, act((*engine.Engine).ResendToAuthority)},
		{"fix-up", "Return a rejected case to processing", false, act((*engine.Engine).FixUpAuthorityError)},
		{"withdraw", "Withdraw a case", false, act((*engine.Engine).Withdraw)},
		{"stop", "Stop a case", false, act((*engine.Engine).Stop)},
		{"vary", "Open a variation of a completed case", false, act((*engine.Engine).RequestVariation)},
		{"close-variation", "Close the variation request change", false, act((*engine.Engine).CloseVariationRequest)},
	}
	for _, a := range actions {
		a := a
		var drain bool
		sub := &cobra.Command{
			Use:   a.use + " <process-id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
					out, err := a.run(ap.Engine, ctx, args[0], actorID())
					if err != nil {
						return err
					}
					if drain {
						if err := ap.Pool.Drain(ctx); err != nil {
							return err
						}
					}
					return printJSON(out)
				})
			},
		}
		if a.drain {
			sub.Flags().BoolVar(&drain, "drain", false, "run queued generation jobs before returning")
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

// action is a caseworker action taking only the process id.
type action func(e *engine.Engine, ctx context.Context, id, actor string) (any, error)

func act[T any](fn func(*engine.Engine, context.Context, string, string) (T, error)) action {
	return func(e *engine.Engine, ctx context.Context, id, actor string) (any, error) {
		return fn(e, ctx, id, actor)
	}
}

func processCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ProcessType = strings.ToUpper(opts.ProcessType)
				opts.ActorID = actorID()
				p, err := a.Engine.CreateProcess(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Opened %s case %s\n", p.ProcessType, p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProcessType, "type", "", "process type")
	cmd.Flags().StringArrayVar(&opts.Countries, "country", nil, "destination country (repeatable)")
	cmd.Flags().BoolVar(&opts.PaperLicenceOnly, "paper", false, "issue a paper licence only")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func processListCmd() *cobra.Command {
	var f repo.ProcessFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProcesses(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Reference", "Status", "Active", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ProcessType, deref(p.Reference), p.Status, p.IsActive, shortTime(p.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProcessType, "type", "", "process type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func processShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show a case with its workbasket badges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				w, err := a.Engine.Workbasket(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"process": p, "workbasket": w})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"ID", p.ID},
					{"Type", p.ProcessType},
					{"Reference", deref(p.Reference)},
					{"Status", p.Status},
					{"Variation", p.VariationNo},
					{"Countries", strings.Join(p.Countries, ", ")},
					{"Active tasks", strings.Join(w.ActiveTasks, ", ")},
					{"Badges", strings.Join(w.Badges, ", ")},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func processCountriesCmd() *cobra.Command {
	var countries []string
	cmd := &cobra.Command{
		Use:   "countries <process-id>",
		Short: "Replace destination countries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdateCountries(ctx, args[0], countries, actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&countries, "country", nil, "destination country (repeatable)")
	return cmd
}

func processDecideCmd() *cobra.Command {
	var d engine.Decision
	var drain bool
	cmd := &cobra.Command{
		Use:   "decide <process-id>",
		Short: "Approve or refuse a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !d.Approve && strings.TrimSpace(d.Reason) == "" {
				return fmt.Errorf("--reason is required to refuse")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Decide(ctx, args[0], d, actorID())
				if err != nil {
					return err
				}
				if d.Approve && drain {
					if err := a.Pool.Drain(ctx); err != nil {
						return err
					}
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().BoolVar(&d.Approve, "approve", false, "approve the case")
	cmd.Flags().StringVar(&d.Reason, "reason", "", "refusal reason")
	cmd.Flags().BoolVar(&drain, "drain", false, "run queued generation jobs before returning")
	return cmd
}

func processRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <process-id>",
		Short: "Revoke the issued pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Revoke(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <process-id>",
		Short: "Show task history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				history, err := a.Engine.TaskHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Active", "Created", "Finished", "Owner", "Data"})
				for _, t := range history {
					finished := ""
					if t.FinishedAt != nil {
						finished = shortTime(*t.FinishedAt)
					}
					tw.AppendRow(table.Row{t.TaskType, t.IsActive, shortTime(t.CreatedAt), finished, deref(t.Owner), deref(t.DataJSON)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func packsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packs <process-id>",
		Short: "List document packs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.PackList(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Case reference", "Completed", "Revoke reason"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, deref(p.CaseReference), deref(p.CaseCompletionAt), deref(p.RevokeReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func documentsCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "documents <pack-id>",
		Short: "List the documents of a pack, or save one with --save",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if out != "" {
					if len(args) != 2 {
						return fmt.Errorf("usage: documents <pack-id> <document-id> --save <file>")
					}
					_, content, err := a.Engine.Download(ctx, args[1])
					if err != nil {
						return err
					}
					return os.WriteFile(out, content, 0o644)
				}
				docs, err := a.Engine.Documents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Country", "Reference", "Check code", "File"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.DocumentType, deref(d.Country), deref(d.Reference), d.CheckCode, deref(d.FileName)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "save", "", "write the signed document to this file")
	return cmd
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests <process-id>",
		Short: "List confirmation requests sent to the authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Requests(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Correlation", "Kind", "Status", "Licence ref", "Errors", "Sent"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.CorrelationID, r.Kind, r.Status, deref(r.LicenceReference), strings.Join(r.Errors, "; "), shortTime(r.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.EventLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Process", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProcessID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProcessID, "process", "", "process id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.Cursor, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}
