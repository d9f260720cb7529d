package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

// printResult writes v as indented JSON, or as the text rendering when the
// format is text.
func printResult(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	switch v := v.(type) {
	case *model.QueueState:
		state := "closed"
		if v.IsOpen {
			state = "open"
		}
		_, err := fmt.Fprintf(w, "queue %s: capacity %d, selected %d, next position %d\n",
			state, v.MaxUsers, v.CurrentUsers, v.NextPosition)
		return err
	case *model.CountdownWindow:
		_, err := fmt.Fprintf(w, "countdown %s -> %s\n",
			v.StartTime.Format(time.RFC3339), v.EndTime.Format(time.RFC3339))
		return err
	case *model.CountdownResponse:
		state := fmt.Sprintf("%ds remaining", v.RemainingSeconds)
		if v.Expired {
			state = "expired"
		}
		_, err := fmt.Fprintf(w, "countdown %s -> %s (%s)\n",
			v.StartTime.Format(time.RFC3339), v.EndTime.Format(time.RFC3339), state)
		return err
	case model.SelectionResult:
		_, err := fmt.Fprintf(w, "selected %d, rejected %d\n", v.SelectedCount, v.RejectedCount)
		return err
	case *model.Stats:
		if _, err := fmt.Fprintf(w, "sessions %d, applications %d, waitlist %d\n",
			v.DistinctSessions, v.Applications, v.Waitlist); err != nil {
			return err
		}
		statuses := make([]string, 0, len(v.ByStatus))
		for status := range v.ByStatus {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			if _, err := fmt.Fprintf(w, "  %-10s %d\n", status, v.ByStatus[model.SessionStatus(status)]); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := fmt.Fprintf(w, "%+v\n", v)
	return err
}
