package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/simqueue/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and restart individual runs",
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runRestartCmd = &cobra.Command{
	Use:   "restart [run-id]",
	Short: "Recreate a finished run as a new pending run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunRestart,
}

var runAuditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Show the decision records of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiGet(fmt.Sprintf("/run/%s/audit?limit=%d", args[0], auditLimit))
		if err != nil {
			return err
		}
		return printAudit(resp)
	},
}

var showResult bool

func init() {
	runCmd.AddCommand(runShowCmd, runRestartCmd, runAuditCmd)

	runShowCmd.Flags().BoolVar(&showResult, "json", false, "Print the full run as JSON")
	runAuditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum records")
}

func runRunShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/run/" + args[0])
	if err != nil {
		return err
	}

	if showResult {
		var v interface{}
		if err := json.Unmarshal(resp, &v); err != nil {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	var r models.Run
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", r.ID)
	fmt.Printf("Queue:       %s\n", r.QueueID)
	fmt.Printf("Run:         #%d (order %d)\n", r.RunNumber, r.ExecutionOrder)
	fmt.Printf("Scenario:    technique=%s tactic=%s personality=%s zopa=%s\n",
		r.TechniqueID, r.TacticID, r.PersonalityID, r.ZopaDistance)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Retries:     %d/%d\n", r.RetryCount, r.MaxRetries)
	if r.CurrentRound > 0 {
		fmt.Printf("Round:       %d\n", r.CurrentRound)
	}
	if r.LastError != "" {
		fmt.Printf("Last error:  %s\n", r.LastError)
	}
	if p := r.Payload; p != nil {
		fmt.Printf("Outcome:     %s (%s)\n", p.Outcome, p.OutcomeReason)
		fmt.Printf("Rounds:      %d\n", p.TotalRounds)
		fmt.Printf("Score:       %.2f\n", p.SuccessScore)
		fmt.Printf("Cost:        $%.4f\n", p.ActualCost)
		if p.DealValue != nil {
			fmt.Printf("Deal value:  %.2f\n", *p.DealValue)
		}
		if p.TacticalSummary != "" {
			fmt.Printf("\nSummary:\n%s\n", p.TacticalSummary)
		}
	}
	return nil
}

func runRunRestart(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/run/"+args[0]+"/restart", nil)
	if err != nil {
		return err
	}
	var r models.Run
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	fmt.Printf("Restarted run #%d as %s\n", r.RunNumber, r.ID)
	return nil
}
