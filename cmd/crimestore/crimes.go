package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/repository"
)

var watchAdminPort int

// crimeFlags holds the record fields settable from the command line.
type crimeFlags struct {
	title   string
	date    string
	solved  bool
	suspect string
	phone   string
	photo   string
}

func (f *crimeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "crime title")
	cmd.Flags().StringVar(&f.date, "date", "", "date of the crime, RFC 3339 or YYYY-MM-DD (default now)")
	cmd.Flags().BoolVar(&f.solved, "solved", false, "mark the crime solved")
	cmd.Flags().StringVar(&f.suspect, "suspect", "", "suspect name")
	cmd.Flags().StringVar(&f.phone, "phone", "", "suspect phone number")
	cmd.Flags().StringVar(&f.photo, "photo", "", "photo file name")
}

// apply copies every flag the user set onto c.
func (f *crimeFlags) apply(cmd *cobra.Command, c *crime.Crime) error {
	changed := cmd.Flags().Changed
	if changed("title") {
		c.Title = f.title
	}
	if changed("date") {
		d, err := parseDate(f.date)
		if err != nil {
			return err
		}
		c.Date = d
	}
	if changed("solved") {
		c.IsSolved = f.solved
	}
	if changed("suspect") {
		c.Suspect = f.suspect
	}
	if changed("phone") {
		c.PhoneNumber = f.phone
	}
	if changed("photo") {
		c.PhotoFileName = f.photo
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC 3339 or YYYY-MM-DD", s)
}

func newCrimesCmd() *cobra.Command {
	crimesCmd := &cobra.Command{
		Use:   "crimes",
		Short: "Read and write crime reports",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every crime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(repo *repository.Repository) error {
				crimes, err := repo.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), crimes)
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one crime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withRepository(cmd, func(repo *repository.Repository) error {
				c, err := repo.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if c == nil {
					return fmt.Errorf("no crime with id %s", id)
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}

	var addFlags crimeFlags
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a crime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := crime.New()
			if err := addFlags.apply(cmd, &c); err != nil {
				return err
			}
			return withRepository(cmd, func(repo *repository.Repository) error {
				if err := repo.Add(cmd.Context(), c); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
	addFlags.bind(addCmd)

	var updateFlags crimeFlags
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a crime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withRepository(cmd, func(repo *repository.Repository) error {
				var updated crime.Crime
				err := repo.Modify(cmd.Context(), id, func(c *crime.Crime) error {
					if err := updateFlags.apply(cmd, c); err != nil {
						return err
					}
					updated = *c
					return nil
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	updateFlags.bind(updateCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a crime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withRepository(cmd, func(repo *repository.Repository) error {
				return repo.Delete(cmd.Context(), id)
			})
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Print a JSON line for every change made through a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().IntVar(&watchAdminPort, "admin-port", 0, "admin port of the running server (overrides server.admin_port)")

	crimesCmd.AddCommand(listCmd, showCmd, addCmd, updateCmd, deleteCmd, watchCmd)
	return crimesCmd
}

// withRepository opens the repository for the duration of fn.
func withRepository(cmd *cobra.Command, fn func(*repository.Repository) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := repository.Open(cmd.Context(), cfg, repository.WithLogger(log))
	if err != nil {
		return err
	}
	err = fn(repo)
	if cerr := repo.Close(); err == nil {
		err = cerr
	}
	return err
}

// runWatch follows a running server's admin watch stream and copies each
// JSON line to stdout until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if watchAdminPort != 0 {
		cfg.Server.AdminPort = watchAdminPort
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/admin/watch", cfg.Server.AdminPort)
	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[0], err)
		}
		url += "/" + id.String()
	}

	ctx := cmd.Context()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin server (is crimestore serve running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("watch failed: %s: %s", resp.Status, apiErr.Message)
	}
	if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
