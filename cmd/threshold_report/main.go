// Command threshold_report prints the persisted threshold states and pending
// orders from the bot's database. Useful for inspecting state while the bot
// is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"dipcatcher/internal/adapters/logger"
	"dipcatcher/internal/adapters/sqlite"
)

func main() {
	dbPath := flag.String("db", "./data/dipcatcher.db", "Path to the bot database")
	flag.Parse()

	appLogger := logger.NewNop()
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	states, err := repo.LoadAllThresholdStates(ctx)
	if err != nil {
		log.Fatalf("failed to load threshold states: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTIMEFRAME\tREFERENCE\tPERIOD START\tLEVELS\tTRIGGERED")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\t%v\t%v\n",
			st.Symbol, st.Timeframe, st.ReferencePrice,
			st.PeriodStart.Format(time.RFC3339), st.Levels, st.Triggered)
	}
	w.Flush()

	pending, err := repo.FindPendingOrders(ctx)
	if err != nil {
		log.Fatalf("failed to load pending orders: %v", err)
	}
	fmt.Printf("\n%d pending order(s)\n", len(pending))
	if len(pending) > 0 {
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tPRICE\tQUANTITY\tTHRESHOLD\tCREATED")
		for _, o := range pending {
			fmt.Fprintf(w, "%d\t%s\t%s\t%.4f\t%.6f\t%.1f%%/%s\t%s\n",
				o.ID, o.Symbol, o.Side, o.Price, o.Quantity, o.Threshold, o.Timeframe,
				o.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	}
}
