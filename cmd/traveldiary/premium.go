package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/premium"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

func newPremiumCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "premium",
		Short: "Manage premium subscriptions",
	}
	cmd.AddCommand(newPremiumActivateCommand(cc))
	cmd.AddCommand(newPremiumExpireCommand(cc))
	cmd.AddCommand(newPremiumRequestsCommand(cc))
	return cmd
}

func withPremium(cc *commandContext, fn func(*premium.Service) error) error {
	return withStore(cc, func(st store.Store, ev *achievement.Evaluator) error {
		return fn(premium.NewService(st, ev))
	})
}

func newPremiumActivateCommand(cc *commandContext) *cobra.Command {
	var (
		userID int64
		days   int
		tariff string
	)
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Grant premium to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkUser(userID); err != nil {
				return err
			}
			if tariff != "" {
				t, ok := premium.LookupTariff(tariff)
				if !ok {
					return fmt.Errorf("unknown tariff %q", tariff)
				}
				days = t.Days
			}
			return withPremium(cc, func(svc *premium.Service) error {
				act, err := svc.Activate(cmd.Context(), userID, days)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "User %d is premium until %s\n", userID, act.User.PremiumUntil.Format(models.DateLayout))
				for _, r := range act.Unlocked {
					fmt.Fprintf(out, "Unlocked %s (%s)\n", r.Code, r.Name)
				}
				return nil
			})
		},
	}
	userFlag(cmd, &userID)
	cmd.Flags().IntVar(&days, "days", 30, "subscription length in days")
	cmd.Flags().StringVar(&tariff, "tariff", "", "tariff code; overrides --days")
	return cmd
}

func newPremiumExpireCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Clear premium for subscriptions that have ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPremium(cc, func(svc *premium.Service) error {
				ids, err := svc.Expire(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d subscription(s)\n", len(ids))
				return nil
			})
		},
	}
}

func newPremiumRequestsCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List pending payment requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cc.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			reqs, err := st.ListPaymentRequests(cmd.Context(), models.PaymentStatusPending)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(out, "No pending payment requests.")
				return nil
			}
			rows := make([][]string, 0, len(reqs))
			for _, r := range reqs {
				rows = append(rows, []string{
					strconv.FormatInt(r.ID, 10),
					strconv.FormatInt(r.UserID, 10),
					r.Tariff,
					strconv.Itoa(r.Days),
					r.Price,
					r.ScreenshotRef,
					r.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "User", "Tariff", "Days", "Price", "Screenshot", "Created"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
