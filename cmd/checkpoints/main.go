package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"loanflow/internal/application/factories/infrastructure"
	"loanflow/internal/config"
	"loanflow/internal/infrastructure/postgres"
	"loanflow/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	group := flag.String("group", "", "consumer group (default: all groups when listing)")
	stream := flag.String("stream", "", "limit -reset to one stream")
	reset := flag.Bool("reset", false, "delete the group's checkpoints so it restarts from START_POSITION")
	copyFrom := flag.String("copy-from", "", "replace the group's checkpoints with those of another group")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg, logger.New(cfg.Log.Level))
	defer infraFactory.Close()

	pool, err := infraFactory.Postgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	repo := postgres.NewCheckpointRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to prepare checkpoints table: %v\n", err)
		os.Exit(1)
	}

	if (*reset || *copyFrom != "") && *group == "" {
		fmt.Fprintln(os.Stderr, "-group is required with -reset and -copy-from")
		os.Exit(2)
	}

	switch {
	case *reset:
		n, err := repo.Delete(ctx, *group, *stream)
		if err != nil {
			fmt.Printf("Reset failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %d checkpoints of %s\n", n, *group)
	case *copyFrom != "":
		n, err := repo.Copy(ctx, *copyFrom, *group)
		if err != nil {
			fmt.Printf("Copy failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Copied %d checkpoints from %s to %s\n", n, *copyFrom, *group)
	}

	cps, err := repo.List(ctx, *group)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to list checkpoints: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Checkpoints ---")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSTREAM\tSHARD\tPOSITION\tUPDATED")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cp.Group, cp.Stream, cp.ShardID, cp.Position, cp.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}
