package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"smartop/internal/domain"
	"smartop/internal/engine"
	"smartop/internal/engine/auth"
	"smartop/internal/repo"
	"smartop/internal/retry"
)

const dateLayout = "2006-01-02"

func listCmd() *cobra.Command {
	lc := &cobra.Command{
		Use:     "list",
		Aliases: []string{"cl"},
		Short:   "Work with control lists",
	}
	lc.AddCommand(listCreateCmd())
	lc.AddCommand(listFromTemplateCmd())
	lc.AddCommand(listSubmitCmd())
	lc.AddCommand(listItemCmd())
	lc.AddCommand(listShowCmd())
	lc.AddCommand(listLsCmd())
	lc.AddCommand(listDeleteCmd())
	lc.AddCommand(listDecisionCmds()...)
	lc.AddCommand(listSimpleTransitionCmds()...)
	return lc
}

// parseDay accepts YYYY-MM-DD or RFC 3339; empty means today.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func listCreateCmd() *cobra.Command {
	var machine, assignee, title, description, itemsFile, priority, scheduled, notes, templateID string
	var draft bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a control list",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			items, err := readItems(itemsFile)
			if err != nil {
				return err
			}
			at, err := parseDay(scheduled)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.CreateControlList(ctx, engine.CreateOptions{
					CompanyID:      e.Config.Company.ID,
					CallerID:       user,
					MachineID:      machine,
					TemplateID:     templateID,
					AssignedUserID: assignee,
					Title:          title,
					Description:    description,
					Items:          items,
					Priority:       domain.Priority(priority),
					ScheduledAt:    at,
					Notes:          notes,
					Draft:          draft,
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "machine id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "operator user id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&itemsFile, "items", "", "item file (.yaml, .yml or .json)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&templateID, "template", "", "template the list derives from")
	cmd.Flags().BoolVar(&draft, "draft", false, "create as draft")
	for _, f := range []string{"machine", "assignee", "title", "items"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func listFromTemplateCmd() *cobra.Command {
	var templateID, machine, operator, scheduled string
	cmd := &cobra.Command{
		Use:   "from-template",
		Short: "Instantiate a template for a machine and operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			at, err := parseDay(scheduled)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.CreateFromTemplate(ctx, engine.FromTemplateOptions{
					CompanyID:   e.Config.Company.ID,
					CallerID:    user,
					TemplateID:  templateID,
					MachineID:   machine,
					OperatorID:  operator,
					ScheduledAt: at,
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&machine, "machine", "", "machine id")
	cmd.Flags().StringVar(&operator, "operator", "", "operator user id")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled day (YYYY-MM-DD, default today)")
	for _, f := range []string{"template", "machine", "operator"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func listSubmitCmd() *cobra.Command {
	var itemsFile string
	cmd := &cobra.Command{
		Use:   "submit <list-id>",
		Short: "Submit the outcome of every item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			items, err := readItems(itemsFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.SubmitItems(ctx, engine.SubmitOptions{
					ID:        args[0],
					CompanyID: e.Config.Company.ID,
					CallerID:  user,
					Items:     items,
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	cmd.Flags().StringVar(&itemsFile, "items", "", "item file (.yaml, .yml or .json)")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func listItemCmd() *cobra.Command {
	var order int
	var status, value, notes string
	cmd := &cobra.Command{
		Use:   "item <list-id>",
		Short: "Record the outcome of one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			patch := domain.ItemPatch{Order: order, Status: domain.ItemStatus(status)}
			if cmd.Flags().Changed("value") {
				patch.Value, patch.ValueSet = parseValue(value), true
			}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := e.UpdateItem(ctx, engine.ItemUpdateOptions{
					ID:        args[0],
					CompanyID: e.Config.Company.ID,
					CallerID:  user,
					Patch:     patch,
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	cmd.Flags().IntVar(&order, "order", 0, "item order")
	cmd.Flags().StringVar(&status, "status", "", "pass, fail, not_applicable or unset")
	cmd.Flags().StringVar(&value, "value", "", "value (true/false, number or text)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

// parseValue turns true/false into booleans for checkbox items. Number items
// accept numeric strings, so everything else stays text.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func listSimpleTransitionCmds() []*cobra.Command {
	var cmds []*cobra.Command
	for _, tr := range []struct{ use, short string }{
		{"start", "Start working on a pending list"},
		{"publish", "Publish a draft"},
		{"revert", "Undo an approval or rejection"},
	} {
		cmds = append(cmds, &cobra.Command{
			Use:   tr.use + " <list-id>",
			Short: tr.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				user, err := caller()
				if err != nil {
					return err
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					op := e.Revert
					switch tr.use {
					case "start":
						op = e.Start
					case "publish":
						op = e.Publish
					}
					cl, err := retry.OnConflict(ctx, e.Config.RetryAttempts(), func(ctx context.Context) (domain.ControlList, error) {
						return op(ctx, args[0], e.Config.Company.ID, user)
					})
					if err != nil {
						return err
					}
					return printList(cl)
				})
			},
		})
	}
	return cmds
}

func listDecisionCmds() []*cobra.Command {
	var notes, reason string
	approve := &cobra.Command{
		Use:   "approve <list-id>",
		Short: "Approve a completed list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := retry.OnConflict(ctx, e.Config.RetryAttempts(), func(ctx context.Context) (domain.ControlList, error) {
					return e.Approve(ctx, args[0], e.Config.Company.ID, user, notes)
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	approve.Flags().StringVar(&notes, "notes", "", "approval notes")

	reject := &cobra.Command{
		Use:   "reject <list-id>",
		Short: "Reject a completed list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cl, err := retry.OnConflict(ctx, e.Config.RetryAttempts(), func(ctx context.Context) (domain.ControlList, error) {
					return e.Reject(ctx, args[0], e.Config.Company.ID, user, reason)
				})
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("reason")
	return []*cobra.Command{approve, reject}
}

func listDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <list-id>",
		Short: "Delete a list that has not been decided",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, args[0], e.Config.Company.ID, user); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func listShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <list-id>",
		Short: "Show a list with its items and reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := caller()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Authorize(ctx, user, auth.CapView, e.Config.Company.ID); err != nil {
					return err
				}
				cl, err := e.Get(ctx, args[0], e.Config.Company.ID)
				if err != nil {
					return err
				}
				return printList(cl)
			})
		},
	}
}

func listLsCmd() *cobra.Command {
	var f repo.ListFilter
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List control lists, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.CompanyID = e.Config.Company.ID
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := newTable(table.Row{"ID", "Title", "Machine", "Assignee", "Priority", "Status", "Scheduled", "Done"})
				for _, cl := range items {
					status := string(cl.Status)
					if cl.IsOverdue(now) {
						status = text.FgRed.Sprint(status + " (overdue)")
					}
					tw.AppendRow(table.Row{cl.ID, cl.Title, cl.MachineID, cl.AssignedUserID, cl.Priority, status, cl.ScheduledAt.Format(dateLayout), fmt.Sprintf("%d%%", cl.CompletionPercentage())})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&f.MachineID, "machine", "", "filter by machine")
	cmd.Flags().StringVar(&f.AssignedUserID, "assignee", "", "filter by operator")
	cmd.Flags().BoolVar(&f.Overdue, "overdue", false, "only overdue lists")
	cmd.Flags().BoolVar(&f.Today, "today", false, "only lists scheduled today")
	cmd.Flags().StringVar(&f.Search, "q", "", "search title and description")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func printList(cl domain.ControlList) error {
	if viper.GetBool("json") {
		return printJSON(cl)
	}
	fmt.Printf("%s  %s\n", cl.ID, cl.Title)
	fmt.Printf("status=%s priority=%s machine=%s assignee=%s scheduled=%s version=%d done=%d%%\n",
		cl.Status, cl.Priority, cl.MachineID, cl.AssignedUserID, cl.ScheduledAt.Format(dateLayout), cl.Version, cl.CompletionPercentage())
	if cl.RejectionReason != nil {
		fmt.Printf("rejected: %s\n", *cl.RejectionReason)
	}
	tw := newTable(table.Row{"#", "Item", "Kind", "Req", "Status", "Value"})
	for _, it := range cl.Items {
		value := ""
		if it.Value != nil {
			b, _ := json.Marshal(it.Value)
			value = string(b)
		}
		tw.AppendRow(table.Row{it.Order, it.Title, it.Kind, it.Required, it.Status, value})
	}
	fmt.Println(tw.Render())
	if len(cl.Reviews) > 0 {
		rv := newTable(table.Row{"When", "Action", "By", "Notes"})
		for _, r := range cl.Reviews {
			rv.AppendRow(table.Row{r.At.Format(time.RFC3339), r.Action, r.ActorID, strings.TrimSpace(r.Notes)})
		}
		fmt.Println(rv.Render())
	}
	return nil
}
