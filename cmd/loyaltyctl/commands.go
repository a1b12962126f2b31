package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loyaltyshop/internal/events"
	"loyaltyshop/internal/middleware"
	"loyaltyshop/internal/validation"
)

const (
	flagAll = "all"
	flagTTL = "ttl"
)

func (c *cli) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Clear loyalty lines from expired carts once and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Reaper.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func (c *cli) syncReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-review <review-id>",
		Short: "Send a review export to the ledger immediately",
		Long: `sync-review applies the same checks as the automatic review export
(approved status, minimum length, resolvable author email) and posts the
Review event without going through the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid review id %q", args[0])
			}
			ctx := cmd.Context()

			review, err := c.app.DB.GetReview(ctx, id)
			if err != nil {
				return err
			}
			payload, err := c.app.Producer.ReviewPayload(ctx, review)
			if err != nil {
				return err
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			if err := c.app.Consumer.SendEvent(ctx, events.Message{Topic: events.TopicReview, Payload: data}); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "review %d sent\n", id)
			return err
		},
	}
}

func (c *cli) tierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tier {get|invalidate}",
		Short: "Inspect and invalidate cached loyalty tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	get := &cobra.Command{
		Use:   "get <email>",
		Short: "Print a customer's loyalty tier, reading through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := validation.ValidateEmail(args[0], "email")
			if err != nil {
				return err
			}
			tier := c.app.Tiers.GetTier(cmd.Context(), email)
			if tier == "" {
				tier = "(none)"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tier)
			return err
		},
	}

	invalidate := &cobra.Command{
		Use:   "invalidate [<email>|--all]",
		Short: "Drop cached tiers for one customer or for everyone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool(flagAll)
			if err != nil {
				return err
			}
			switch {
			case all && len(args) > 0:
				return errors.New("pass either an email or --all, not both")
			case all:
				if err := c.app.Tiers.InvalidateAll(cmd.Context()); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "tier cache cleared")
				return err
			case len(args) == 1:
				email, err := validation.ValidateEmail(args[0], "email")
				if err != nil {
					return err
				}
				if err := c.app.Tiers.Invalidate(cmd.Context(), email); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "tier cache entry for %s removed\n", email)
				return err
			default:
				return errors.New("an email or --all is required")
			}
		},
	}
	invalidate.Flags().Bool(flagAll, false, `Clear the whole tier cache namespace.`)

	cmd.AddCommand(get, invalidate)
	return cmd
}

func (c *cli) ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders {place}",
		Short: "Order placement jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "place",
		Short: "Send unplaced orders to the ledger once and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Placer.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	})
	return cmd
}

func (c *cli) customerTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customer-token <customer-id>",
		Short: "Issue a bearer token scoped to one customer's loyalty cart",
		Long: `customer-token signs a token with security.customer_token_secret. The
storefront normally issues these at login; this command covers support and
integration testing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid customer id %q", args[0])
			}
			if err := validation.ValidateCustomerID(id); err != nil {
				return err
			}
			ttl, err := cmd.Flags().GetDuration(flagTTL)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			secret := c.app.Config.Security.CustomerTokenSecret
			if secret == "" {
				return errors.New("security.customer_token_secret is not configured")
			}
			token, err := middleware.IssueCustomerToken(secret, id, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().Duration(flagTTL, time.Hour, `How long the token stays valid.`)
	return cmd
}
