package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"toggl-sync/internal/adapter/sqlstore"
	"toggl-sync/internal/domain"
	"toggl-sync/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := sqlstore.ParseDialect(cfg.Database.Driver)
			if err != nil {
				return err
			}
			db, err := sqlstore.Open(ctx, d, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if status {
				pending, err := migrate.Pending(ctx, db, d)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d pending %v\n", d, len(pending), pending)
				return nil
			}
			return migrate.Run(ctx, db, d, logger)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "List pending migrations without applying them")
	return cmd
}

func mappingCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage project to goal mappings",
	}
	cmd.PersistentFlags().StringVar(&user, "user", "", "User the mappings belong to")
	_ = cmd.MarkPersistentFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			mappings, err := application.Mappings().List(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tGOAL\tACTIVE\tAUTO")
			for _, m := range mappings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", m.ID, m.ExternalProjectID, m.GoalID, m.IsActive, m.AutoCategorize)
			}
			return w.Flush()
		},
	}

	var inactive, manual bool
	add := &cobra.Command{
		Use:   "add <project-id> <goal-id>",
		Short: "Map a Toggl project to a goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			m, err := application.Mappings().Create(cmd.Context(), domain.ProjectGoalMapping{
				UserID:            user,
				ExternalProjectID: args[0],
				GoalID:            args[1],
				IsActive:          !inactive,
				AutoCategorize:    !manual,
			})
			if err != nil {
				return err
			}
			fmt.Println(m.ID)
			return nil
		},
	}
	add.Flags().BoolVar(&inactive, "inactive", false, "Create the mapping inactive")
	add.Flags().BoolVar(&manual, "no-auto", false, "Disable auto-categorization")

	rm := &cobra.Command{
		Use:   "rm <mapping-id>",
		Short: "Delete a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			return application.Mappings().Delete(cmd.Context(), user, args[0])
		},
	}

	cmd.AddCommand(list, add, rm)
	return cmd
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage per-user Toggl credentials",
	}
	var workspace int64
	set := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Verify and store a Toggl API token (read from TOGGL_API_TOKEN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := os.Getenv("TOGGL_API_TOKEN")
			if token == "" {
				return fmt.Errorf("TOGGL_API_TOKEN is required")
			}
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			me, err := application.SetCredential(cmd.Context(), domain.Credential{
				UserID:      args[0],
				APIToken:    token,
				WorkspaceID: workspace,
			})
			if err != nil {
				return err
			}
			fmt.Printf("stored credential for %s (%s)\n", args[0], me.Email)
			return nil
		},
	}
	set.Flags().Int64Var(&workspace, "workspace", 0, "Toggl workspace id (default: the account's default workspace)")
	cmd.AddCommand(set)
	return cmd
}

func goalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Maintain the local goal ownership table",
	}
	var title string
	put := &cobra.Command{
		Use:   "put <user-id> <goal-id>",
		Short: "Record that a goal belongs to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			return application.PutGoal(cmd.Context(), sqlstore.Goal{ID: args[1], UserID: args[0], Title: title})
		},
	}
	put.Flags().StringVar(&title, "title", "", "Goal title")
	cmd.AddCommand(put)
	return cmd
}

func calendarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Import calendar events as time entries",
	}
	var user, from, to string
	imp := &cobra.Command{
		Use:   "import <ics-url-or-file>",
		Short: "Create calendar-derived entries from an iCalendar source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := cfg.Location()
			toTime, err := parseEnd(to, time.Now().UTC(), loc)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			fromTime, err := parseStart(from, toTime.AddDate(0, 0, -7), loc)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			res, err := application.ImportCalendar(cmd.Context(), user, args[0], fromTime, toTime)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
	imp.Flags().StringVar(&user, "user", "", "User to import for")
	imp.Flags().StringVar(&from, "from", "", "RFC3339 or YYYY-MM-DD start (default: to - 7d)")
	imp.Flags().StringVar(&to, "to", "", "RFC3339 or YYYY-MM-DD end (default: now)")
	_ = imp.MarkFlagRequired("user")
	cmd.AddCommand(imp)
	return cmd
}

func projectsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List the user's Toggl projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()
			projects, err := application.Projects(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%t\n", p.ID, p.Name, p.Active)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User whose credential is used")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
