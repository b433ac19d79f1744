package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/profile"
	"github.com/serenity/serenity/internal/storage"
	"github.com/serenity/serenity/internal/therapy"
)

// loadStored returns the stored profile of userID, or ErrProfileNotFound
func (c *cli) loadStored(userID string) (*profile.Profile, error) {
	secure := c.store.SecureID(userID)
	if _, err := os.Stat(c.store.Path(secure)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrProfileNotFound, secure)
	}
	return c.store.Load(userID)
}

func profileCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect and delete stored profiles",
	}
	cmd.AddCommand(profileShowCmd(c))
	cmd.AddCommand(profileContextCmd(c))
	cmd.AddCommand(profileListCmd(c))
	cmd.AddCommand(profileDeleteCmd(c))
	return cmd
}

func profileShowCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a stored profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.loadStored(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if asJSON {
				data, err := p.Encode()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			rows := [][]string{
				{"Secure ID", p.SecureID},
				{"Created", p.CreatedAt.Format(time.RFC3339)},
				{"Updated", p.UpdatedAt.Format(time.RFC3339)},
				{"Consent", strconv.FormatBool(p.DataCollectionConsent)},
				{"Retention", string(p.DataRetentionPreference)},
				{"Therapist oversight", strconv.FormatBool(p.DataSharingPermissions.TherapistOversight)},
				{"Anonymized research", strconv.FormatBool(p.DataSharingPermissions.AnonymizedResearch)},
				{"Goals", fmt.Sprintf("%d active / %d", len(p.ActiveGoals()), len(p.TherapyGoals))},
				{"Mood entries", strconv.Itoa(len(p.MoodPatterns))},
				{"Topics", strconv.Itoa(p.TopicInterests.Len())},
				{"Triggers", strconv.Itoa(len(p.TriggerTopics))},
				{"Coping strategies", strconv.Itoa(len(p.CopingStrategies))},
			}
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored record")
	return cmd
}

func profileContextCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "context <user-id>",
		Short: "Print the personalization context the model would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.loadStored(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(personalization.BuildContext(p), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func profileListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := c.store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "No stored profiles.")
				return nil
			}

			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				info, err := os.Stat(c.store.Path(id))
				if err != nil {
					continue
				}
				rows = append(rows, []string{id, strconv.FormatInt(info.Size(), 10), info.ModTime().UTC().Format(time.RFC3339)})
			}
			fmt.Fprintln(out, renderTable([]string{"Secure ID", "Bytes", "Modified"}, rows, 2))
			return nil
		},
	}
}

func profileDeleteCmd(c *cli) *cobra.Command {
	var yes, purge bool

	cmd := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a stored profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secure := c.store.SecureID(args[0])
			out := cmd.OutOrStdout()

			if !yes {
				ok, err := c.confirm(cmd, fmt.Sprintf("Delete profile %s?", secure))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			return c.mutate(cmd.Context(), func(engine *personalization.Engine, db *storage.DB) error {
				existed, err := engine.DeleteProfile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if existed {
					fmt.Fprintf(out, "Deleted profile %s\n", secure)
				} else {
					fmt.Fprintf(out, "No stored profile for %s\n", secure)
				}

				if !purge {
					return nil
				}
				counts, err := db.PurgeUser(cmd.Context(), secure)
				if err != nil {
					return err
				}
				if err := c.recorder(db).DataPurged(cmd.Context(), secure, counts); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d sessions, %d check-ins and %d health records\n",
					counts.Sessions, counts.CheckIns, counts.HealthRecords)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete sessions, transcripts, check-ins and health records")
	return cmd
}

// confirm asks a yes/no question. Without a terminal it refuses, so
// scripts have to pass --yes.
func (c *cli) confirm(cmd *cobra.Command, question string) (bool, error) {
	if f, ok := c.in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("refusing to delete without --yes when stdin is not a terminal")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	answer, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && answer == "" {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func consentCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Grant or revoke data collection consent",
	}

	grant := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Grant data collection consent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(engine *personalization.Engine) error {
				outcome, err := engine.HandleConsentUpdate(cmd.Context(), args[0], true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Consent granted (%s)\n", outcome)
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Revoke data collection consent",
		Long: `Revokes consent and applies the retention policy at once. Without
consent nothing may stay on disk, so the stored profile is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(engine *personalization.Engine) error {
				secure := c.store.SecureID(args[0])
				_, statErr := os.Stat(c.store.Path(secure))
				stored := statErr == nil

				// The store refuses to save a profile without consent, so
				// the revocation only takes effect through the deletion
				if _, err := engine.HandleConsentUpdate(cmd.Context(), args[0], false); err != nil {
					return err
				}
				if _, err := engine.HandleSessionEnd(cmd.Context(), args[0]); err != nil {
					return err
				}

				if stored {
					fmt.Fprintf(cmd.OutOrStdout(), "Consent revoked; deleted profile %s\n", secure)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Consent revoked; nothing was stored for %s\n", secure)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(grant, revoke)
	return cmd
}

func moodCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mood",
		Short: "Record mood scores",
	}

	var notes string
	add := &cobra.Command{
		Use:   "add <user-id> <score>",
		Short: "Add a mood score (1-10)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[1])
			if err != nil || score < therapy.MinRating || score > therapy.MaxRating {
				return fmt.Errorf("%w: score must be a number between %d and %d", core.ErrInvalidRating, therapy.MinRating, therapy.MaxRating)
			}

			var n *string
			if notes != "" {
				n = &notes
			}
			return c.withEngine(cmd.Context(), func(engine *personalization.Engine) error {
				outcome, err := engine.Mutate(cmd.Context(), args[0], func(p *profile.Profile) error {
					p.AddMoodData(score, n)
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Mood recorded (%s)\n", outcome)
				return nil
			})
		},
	}
	add.Flags().StringVar(&notes, "notes", "", "optional notes")

	cmd.AddCommand(add)
	return cmd
}

func sessionsCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions <user-id>",
		Short: "List a user's therapy sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := storage.NewSessionStore(db).ListByUser(cmd.Context(), c.ids.SecureID(args[0]), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}

			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					s.ID, string(s.Type), string(s.Approach), string(s.Status),
					s.CreatedAt.Format(time.RFC3339), strconv.Itoa(s.DurationMinutes()),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Type", "Approach", "Status", "Created", "Minutes"}, rows, 6))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")
	return cmd
}

func checkinsCmd(c *cli) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "checkins <user-id>",
		Short: "List a user's recent check-ins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("%w: --days must be positive", core.ErrInvalidInput)
			}
			db, err := c.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			since := therapy.Today(time.Now().AddDate(0, 0, -(days - 1)))
			checkins, err := storage.NewCheckInStore(db).ListSince(cmd.Context(), c.ids.SecureID(args[0]), since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(checkins) == 0 {
				fmt.Fprintln(out, "No check-ins.")
				return nil
			}

			rows := make([][]string, 0, len(checkins))
			for _, ci := range checkins {
				rows = append(rows, []string{ci.Day, rating(ci.MoodRating), rating(ci.StressLevel), rating(ci.SleepQuality), ci.Notes})
			}
			fmt.Fprintln(out, renderTable([]string{"Day", "Mood", "Stress", "Sleep", "Notes"}, rows, 2, 3, 4))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to show, today included")
	return cmd
}

func rating(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
