package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

func newCatalogCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Show the achievement catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := cc.catalog()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, cat.Len())
			for _, r := range cat.Rules() {
				rows = append(rows, []string{r.Code, r.Name, r.Description, r.Metric, strconv.Itoa(r.Threshold)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Code", "Name", "Description", "Metric", "Threshold"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newAchievementsCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "achievements",
		Short: "Inspect and re-evaluate user achievements",
	}
	cmd.AddCommand(newAchievementsListCommand(cc))
	cmd.AddCommand(newAchievementsRecheckCommand(cc))
	return cmd
}

func userFlag(cmd *cobra.Command, target *int64) {
	cmd.Flags().Int64Var(target, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
}

func checkUser(userID int64) error {
	if userID <= 0 {
		return errors.New("--user must be a positive id")
	}
	return nil
}

func newAchievementsListCommand(cc *commandContext) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's achievements",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkUser(userID); err != nil {
				return err
			}
			return withEvaluator(cc, func(ev *achievement.Evaluator) error {
				statuses, err := ev.Progress(cmd.Context(), userID)
				if err != nil {
					return err
				}
				unlocked := 0
				rows := make([][]string, 0, len(statuses))
				for _, s := range statuses {
					when := ""
					if s.Unlocked {
						unlocked++
						if s.UnlockedAt != nil {
							when = s.UnlockedAt.Local().Format("2006-01-02 15:04")
						}
					}
					rows = append(rows, []string{s.Rule.Code, s.Rule.Name, yesNo(s.Unlocked), when})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable([]string{"Code", "Name", "Unlocked", "At"}, rows, nil))
				fmt.Fprintf(out, "%d/%d unlocked\n", unlocked, len(statuses))
				return nil
			})
		},
	}
	userFlag(cmd, &userID)
	return cmd
}

func newAchievementsRecheckCommand(cc *commandContext) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "recheck",
		Short: "Re-evaluate a user's achievements and grant any that apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkUser(userID); err != nil {
				return err
			}
			return withEvaluator(cc, func(ev *achievement.Evaluator) error {
				rules, err := ev.Evaluate(cmd.Context(), userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rules) == 0 {
					fmt.Fprintln(out, "No new achievements.")
					return nil
				}
				for _, r := range rules {
					fmt.Fprintf(out, "Unlocked %s (%s)\n", r.Code, r.Name)
				}
				return nil
			})
		},
	}
	userFlag(cmd, &userID)
	return cmd
}

func withStore(cc *commandContext, fn func(store.Store, *achievement.Evaluator) error) error {
	cat, err := cc.catalog()
	if err != nil {
		return err
	}
	st, err := cc.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st, achievement.NewEvaluator(st, cat))
}

func withEvaluator(cc *commandContext, fn func(*achievement.Evaluator) error) error {
	return withStore(cc, func(_ store.Store, ev *achievement.Evaluator) error { return fn(ev) })
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
