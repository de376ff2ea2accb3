package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"opsnotify/internal/docstore"
	logx "opsnotify/pkg/logx"
)

type cli struct {
	out    io.Writer
	dbPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Edit the tasks and orders opsnotify watches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.dbPath, "db", "./data/backend.db", "path to the backend sqlite document store")
	root.AddCommand(c.taskCmd(), c.orderCmd())
	return root
}

// open is called per command; the store is closed when the command returns.
func (c *cli) open() (*docstore.SQLite, error) {
	return docstore.OpenSQLite(c.dbPath, time.Second, logx.Nop())
}

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var title, desc, assignee, id string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(title) == "" {
				return fmt.Errorf("--title is required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			st, err := c.open()
			if err != nil {
				return err
			}
			defer st.Close()
			t := docstore.Task{ID: id, Title: title, Description: desc, AssignedUserID: assignee, CreatedAt: time.Now().UTC()}
			if err := st.Put(cmd.Context(), docstore.CollectionTasks, id, t); err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "task title")
	add.Flags().StringVar(&desc, "description", "", "task description")
	add.Flags().StringVar(&assignee, "assign", "", "assigned user id")
	add.Flags().StringVar(&id, "id", "", "task id (default: random uuid)")

	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.patch(cmd, docstore.CollectionTasks, args[0], map[string]any{"completed": true})
		},
	}
	reopen := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Mark a task not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.patch(cmd, docstore.CollectionTasks, args[0], map[string]any{"completed": false})
		},
	}
	assign := &cobra.Command{
		Use:   "assign <id> <user>",
		Short: "Assign a task to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.patch(cmd, docstore.CollectionTasks, args[0], map[string]any{"assignedUserId": args[1]})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.open()
			if err != nil {
				return err
			}
			defer st.Close()
			docs, err := st.List(cmd.Context(), docstore.CollectionTasks)
			if err != nil {
				return err
			}
			tasks, err := docstore.Tasks(docstore.Snapshot{Collection: docstore.CollectionTasks, Docs: docs})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tASSIGNEE\tDONE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.ID, t.Title, t.AssignedUserID, t.Completed)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(add, complete, reopen, assign, list)
	return cmd
}

func (c *cli) orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Manage orders"}

	var customer, status, id string
	var total float64
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			st, err := c.open()
			if err != nil {
				return err
			}
			defer st.Close()
			o := docstore.Order{ID: id, Customer: customer, Status: status, Total: total, CreatedAt: time.Now().UTC()}
			if err := st.Put(cmd.Context(), docstore.CollectionOrders, id, o); err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	add.Flags().StringVar(&customer, "customer", "", "customer name")
	add.Flags().StringVar(&status, "status", "pendiente", "order status")
	add.Flags().Float64Var(&total, "total", 0, "order total")
	add.Flags().StringVar(&id, "id", "", "order id (default: random uuid)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List orders as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.open()
			if err != nil {
				return err
			}
			defer st.Close()
			docs, err := st.List(cmd.Context(), docstore.CollectionOrders)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			for _, d := range docs {
				if err := enc.Encode(d.Data); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.AddCommand(add, list)
	return cmd
}

func (c *cli) patch(cmd *cobra.Command, collection, id string, fields map[string]any) error {
	st, err := c.open()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Patch(cmd.Context(), collection, id, fields); err != nil {
		return fmt.Errorf("%s %s: %w", collection, id, err)
	}
	return nil
}
