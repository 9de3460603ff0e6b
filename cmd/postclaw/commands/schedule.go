package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/postclaw/pkg/postclaw/database"
	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
)

// newScheduleCmd creates the `postclaw schedule` command for managing
// recurring publication schedules.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring publication schedules",
		Long: `Manage standing "post about X every ..." schedules. The daemon picks
up changes on its next start; schedules added while it runs are also
registered live.

Examples:
  postclaw schedule list
  postclaw schedule add "0 9 * * 1-5" "дайджест новостей за день"
  postclaw schedule add "0 18 * * 5" "итоги недели" --channel @technews
  postclaw schedule remove <id>`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
	)

	return cmd
}

// openScheduler opens the configured database and builds a scheduler over
// it, not started: enough for managing persisted schedules.
func openScheduler(cmd *cobra.Command) (*scheduler.Scheduler, func(), error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(cmd, cfg)

	db, err := database.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	sched := scheduler.New(scheduler.NewSQLiteStorage(db), nil, scheduler.Options{}, logger)
	return sched, func() { db.Close() }, nil
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recurring schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, closeDB, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			schedules, err := sched.Recurring(context.Background())
			if err != nil {
				return fmt.Errorf("list schedules: %w", err)
			}
			if len(schedules) == 0 {
				fmt.Println("No recurring schedules.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCRON\tCHANNEL\tTOPIC")
			for _, rs := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rs.ID, rs.CronExpr, rs.ChannelID, rs.Topic)
			}
			return w.Flush()
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <cron> <topic>",
		Short: "Add a recurring schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeDB, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			channel, _ := cmd.Flags().GetString("channel")
			if channel == "" {
				cfg, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				channel = cfg.Channel
			}

			id, err := sched.AddRecurring(context.Background(), scheduler.RecurringSchedule{
				ChannelID: channel,
				CronExpr:  args[0],
				Topic:     args[1],
			})
			if err != nil {
				return err
			}
			fmt.Printf("Schedule added: %s (%q → %s)\n", id, args[0], channel)
			return nil
		},
	}

	cmd.Flags().String("channel", "", "target channel (defaults to the configured one)")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a recurring schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeDB, err := openScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			ok, err := sched.RemoveRecurring(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("schedule %q not found", args[0])
			}
			fmt.Printf("Schedule %s removed.\n", args[0])
			return nil
		},
	}
}
