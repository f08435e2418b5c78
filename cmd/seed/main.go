// Command seed loads owners, domains and intake questions into the store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk seed format.
type seedFile struct {
	Owners []seedOwner `yaml:"owners"`
}

type seedOwner struct {
	Name    string       `yaml:"name"`
	Email   string       `yaml:"email"`
	Domains []seedDomain `yaml:"domains"`
}

type seedDomain struct {
	Name           string   `yaml:"name"`
	WelcomeMessage string   `yaml:"welcome_message"`
	Helpdesk       bool     `yaml:"helpdesk"`
	Questions      []string `yaml:"questions"`
}

// defaultDBPath matches the server's DB_PATH default.
const defaultDBPath = "./data/leadchat.db"

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Seed owners and chatbot domains",
	Long:  `Reads a YAML file of owners with their domains and intake questions and writes them to the SQLite store.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (defaults to DB_PATH)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	path := dbPath
	if path == "" {
		path = os.Getenv("DB_PATH")
	}
	if path == "" {
		path = defaultDBPath
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	repo, err := store.NewSQLite(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	created, err := seed(cmd.Context(), repo, data)
	if err != nil {
		return err
	}
	for _, d := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d questions\n", d.ID, d.Name, len(d.Questions))
	}
	return nil
}

// seed parses data and creates every owner and domain it lists.
func seed(ctx context.Context, repo store.Repository, data []byte) ([]*domain.Domain, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if len(f.Owners) == 0 {
		return nil, fmt.Errorf("seed file has no owners")
	}

	var created []*domain.Domain
	for _, so := range f.Owners {
		if so.Email == "" {
			return created, fmt.Errorf("owner %q has no email", so.Name)
		}
		owner := &domain.Owner{Name: so.Name, Email: so.Email}
		if err := repo.CreateOwner(ctx, owner); err != nil {
			return created, fmt.Errorf("create owner %s: %w", so.Email, err)
		}

		for _, sd := range so.Domains {
			d := &domain.Domain{
				Name:           sd.Name,
				OwnerID:        owner.ID,
				WelcomeMessage: sd.WelcomeMessage,
				Helpdesk:       sd.Helpdesk,
			}
			for _, q := range sd.Questions {
				d.Questions = append(d.Questions, domain.Question{Text: q})
			}
			if err := repo.CreateDomain(ctx, d); err != nil {
				return created, fmt.Errorf("create domain %s: %w", sd.Name, err)
			}
			slog.Info("Domain seeded", "domain_id", d.ID, "name", d.Name, "owner", owner.Email)
			created = append(created, d)
		}
	}
	return created, nil
}
