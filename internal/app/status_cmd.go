package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nuetzliches/pantrysync/internal/queue"
)

type statusPayload struct {
	Total            int            `json:"total"`
	Pending          int            `json:"pending"`
	Retrying         int            `json:"retrying"`
	FailedPermanent  int            `json:"failedPermanent"`
	OldestPendingAt  *time.Time     `json:"oldestPendingAt,omitempty"`
	OldestPendingAge *time.Duration `json:"oldestPendingAgeNs,omitempty"`
	Checkpoint       *checkpointRef `json:"checkpoint,omitempty"`
}

type checkpointRef struct {
	CheckpointID string    `json:"checkpointId"`
	RequestID    string    `json:"requestId"`
	InFlight     int       `json:"inFlight"`
	CreatedAt    time.Time `json:"createdAt"`
}

func statusCmd(args []string) int {
	return runStatusCmd(args, os.Stdout, os.Stderr)
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	dbPath := fs.String("db", defaultDBPath, "")
	dbDriver := fs.String("db-driver", "sqlite", "")
	jsonOutput := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "status: unexpected positional arguments")
		return 2
	}

	store, closer, err := openStore(*dbDriver, *dbPath, newDiscardLogger())
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	st, err := store.Stats()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	payload := statusPayload{
		Total:           st.Total,
		Pending:         st.ByStatus[queue.StatusPending],
		Retrying:        st.ByStatus[queue.StatusRetrying],
		FailedPermanent: st.ByStatus[queue.StatusFailedPermanent],
	}
	if !st.OldestPendingAt.IsZero() {
		at := st.OldestPendingAt
		age := st.OldestPendingAge
		payload.OldestPendingAt = &at
		payload.OldestPendingAge = &age
	}
	if cp, ok, err := store.LoadCheckpoint(); err == nil && ok {
		payload.Checkpoint = &checkpointRef{
			CheckpointID: cp.CheckpointID,
			RequestID:    cp.RequestID,
			InFlight:     len(cp.InFlightOperationIDs),
			CreatedAt:    cp.CreatedAt,
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "queued writes: %d (pending=%d retrying=%d failed=%d)\n",
		payload.Total, payload.Pending, payload.Retrying, payload.FailedPermanent)
	if payload.OldestPendingAt != nil {
		fmt.Fprintf(stdout, "oldest pending: %s (%s ago)\n",
			payload.OldestPendingAt.Format(time.RFC3339), payload.OldestPendingAge.Round(time.Second))
	}
	if payload.Checkpoint != nil {
		fmt.Fprintf(stdout, "in-flight checkpoint: %s request=%s operations=%d created=%s\n",
			payload.Checkpoint.CheckpointID, payload.Checkpoint.RequestID,
			payload.Checkpoint.InFlight, payload.Checkpoint.CreatedAt.Format(time.RFC3339))
	}
	return 0
}
