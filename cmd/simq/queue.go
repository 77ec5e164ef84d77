package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/simqueue/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage simulation queues",
}

var queueCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a queue from a negotiation scenario",
	RunE:  runQueueCreate,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show [queue-id]",
	Short: "Show queue progress",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueShow,
}

var queueRunsCmd = &cobra.Command{
	Use:   "runs [queue-id]",
	Short: "List the runs of a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRuns,
}

var queueAuditCmd = &cobra.Command{
	Use:   "audit [queue-id]",
	Short: "Show the decision records of a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAudit,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [queue-id]",
	Short: "Requeue failed and timed-out runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var (
	negotiationID  string
	techniqueIDs   []string
	tacticIDs      []string
	personalityIDs []string
	zopaDistances  []string
	maxConcurrent  int
	maxRetries     int
	startNow       bool
	queueStatus    string
	resetErrors    bool
	auditLimit     int
)

func init() {
	queueCmd.AddCommand(queueCreateCmd, queueListCmd, queueShowCmd, queueRunsCmd, queueAuditCmd, queueRetryCmd)
	for _, action := range []string{"start", "pause", "resume", "stop"} {
		queueCmd.AddCommand(queueActionCmd(action))
	}

	queueCreateCmd.Flags().StringVar(&negotiationID, "negotiation", "", "Negotiation ID (required)")
	queueCreateCmd.Flags().StringSliceVar(&techniqueIDs, "technique", nil, "Technique IDs (repeatable)")
	queueCreateCmd.Flags().StringSliceVar(&tacticIDs, "tactic", nil, "Tactic IDs (repeatable)")
	queueCreateCmd.Flags().StringSliceVar(&personalityIDs, "personality", nil, "Counterpart personality IDs (default: all)")
	queueCreateCmd.Flags().StringSliceVar(&zopaDistances, "zopa", nil, "ZOPA distances (default: all)")
	queueCreateCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrent run limit (default from daemon config)")
	queueCreateCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "Automatic retries per run (default from daemon config)")
	queueCreateCmd.Flags().BoolVar(&startNow, "start", false, "Start the queue right away")
	queueCreateCmd.MarkFlagRequired("negotiation")

	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "Filter by status (pending, running, paused, completed, stopped)")

	queueShowCmd.Flags().StringVar(&negotiationID, "negotiation", "", "Show the active queue of a negotiation")

	queueAuditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum records")

	queueRetryCmd.Flags().BoolVar(&resetErrors, "reset-errors", false, "Also clear the queue's error counter")
}

func queueActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [queue-id]",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost("/queue/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			var q models.Queue
			if err := json.Unmarshal(resp, &q); err != nil {
				return err
			}
			fmt.Printf("Queue %s is %s\n", q.ID, q.Status)
			return nil
		},
	}
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"negotiationId":  negotiationID,
		"techniqueIds":   techniqueIDs,
		"tacticIds":      tacticIDs,
		"personalityIds": personalityIDs,
		"zopaDistances":  zopaDistances,
		"maxConcurrent":  maxConcurrent,
	}
	if maxRetries >= 0 {
		body["maxRetries"] = maxRetries
	}

	resp, err := apiPost("/queue", body)
	if err != nil {
		return err
	}
	var q models.Queue
	if err := json.Unmarshal(resp, &q); err != nil {
		return err
	}
	fmt.Printf("Created queue: %s (%d runs, est. $%.2f)\n", q.ID, q.TotalRuns, q.EstimatedTotalCost)

	if startNow {
		if _, err := apiPost("/queue/"+q.ID+"/start", nil); err != nil {
			return err
		}
		fmt.Println("Queue started")
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	path := "/queue"
	if queueStatus != "" {
		path += "?status=" + queueStatus
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var queues []models.Queue
	if err := json.Unmarshal(resp, &queues); err != nil {
		return err
	}

	if len(queues) == 0 {
		fmt.Println("No queues found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNEGOTIATION\tSTATUS\tDONE\tFAILED\tRUNNING\tSUCCESS")
	for _, q := range queues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%.0f%%\n",
			q.ID, q.NegotiationID, q.Status, q.CompletedCount+q.FailedCount, q.TotalRuns,
			q.FailedCount, q.RunningCount, q.SuccessRate*100)
	}
	return w.Flush()
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	var path string
	switch {
	case len(args) == 1:
		path = "/queue/" + args[0]
	case negotiationID != "":
		path = "/queue/by-negotiation/" + negotiationID
	default:
		return fmt.Errorf("queue id or --negotiation is required")
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var q models.Queue
	if err := json.Unmarshal(resp, &q); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", q.ID)
	fmt.Printf("Negotiation: %s\n", q.NegotiationID)
	fmt.Printf("Status:      %s\n", q.Status)
	fmt.Printf("Runs:        %d total, %d completed, %d failed, %d running, %d pending\n",
		q.TotalRuns, q.CompletedCount, q.FailedCount, q.RunningCount, q.PendingCount)
	fmt.Printf("Concurrency: %d/%d\n", q.CurrentConcurrent, q.MaxConcurrent)
	fmt.Printf("Success:     %.1f%%\n", q.SuccessRate*100)
	fmt.Printf("Cost:        $%.2f (est. $%.2f)\n", q.ActualTotalCost, q.EstimatedTotalCost)
	if q.EstimatedTimeRemainingSec > 0 {
		fmt.Printf("Remaining:   ~%ds\n", q.EstimatedTimeRemainingSec)
	}
	if q.ErrorCount > 0 {
		fmt.Printf("Errors:      %d (last: %s)\n", q.ErrorCount, q.LastError)
	}
	if q.Checkpoint != nil && len(q.Checkpoint.Entries) > 0 {
		fmt.Printf("In flight:   %d runs checkpointed\n", len(q.Checkpoint.Entries))
	}
	return nil
}

func runQueueRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/queue/" + args[0] + "/runs")
	if err != nil {
		return err
	}
	var runs []models.Run
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tTECHNIQUE\tTACTIC\tPERSONALITY\tZOPA\tSTATUS\tRETRIES\tOUTCOME")
	for _, r := range runs {
		outcome := r.LastError
		if r.Payload != nil {
			outcome = string(r.Payload.Outcome)
		}
		personality := r.PersonalityID
		if personality == "" {
			personality = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.RunNumber, r.ID, r.TechniqueID, r.TacticID, personality, r.ZopaDistance,
			r.Status, r.RetryCount, r.MaxRetries, outcome)
	}
	return w.Flush()
}

func runQueueAudit(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/queue/%s/audit?limit=%d", args[0], auditLimit))
	if err != nil {
		return err
	}
	return printAudit(resp)
}

func printAudit(resp []byte) error {
	var records []models.PDREntry
	if err := json.Unmarshal(resp, &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Action, r.Outcome, r.Details)
	}
	return w.Flush()
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/queue/"+args[0]+"/retry", map[string]bool{"resetErrors": resetErrors})
	if err != nil {
		return err
	}
	var result struct {
		Requeued int          `json:"requeued"`
		Queue    models.Queue `json:"queue"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Requeued %d runs; queue %s is %s\n", result.Requeued, result.Queue.ID, result.Queue.Status)
	return nil
}
