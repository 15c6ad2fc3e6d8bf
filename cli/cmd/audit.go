package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditFingerprint   string
	auditMessageID     string
	auditLimit         int
	auditOffset        int
	auditKeysOnly      bool
	auditFailuresOnly  bool
	auditDetails       bool
	auditExportFile    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit log of this namespace.

Provides audit trail analysis including:
- Event filtering by time, action, success/failure
- Filtering by key fingerprint or message ID
- Summary statistics and detailed event listings
- Export capabilities for compliance reporting

The audit log is only written when audit.enabled is true.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Query failed events in the last 24 hours
  tryst audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Query events that touched private key material
  tryst audit query --keys-only

  # Follow one message
  tryst audit query --message-id 0b6f...`,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long:  `Show failed operations such as rejected messages, wrong passphrases and replays.`,
	RunE:  runAuditFailures,
}

var auditKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show key material operations",
	Long:  `Show identity creation, unlock, rotation, passphrase change, backup and restore events.`,
	RunE:  runAuditKeys,
}

var auditMessagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show message encryption and decryption events",
	RunE:  runAuditMessages,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON",
	RunE:  runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditKeysCmd)
	auditCmd.AddCommand(auditMessagesCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditFingerprint, "fingerprint", "", "Filter by key fingerprint")
	auditQueryCmd.Flags().StringVar(&auditMessageID, "message-id", "", "Filter by message ID")
	auditQueryCmd.Flags().BoolVar(&auditKeysOnly, "keys-only", false, "Show only key material events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")

	auditExportCmd.Flags().StringVarP(&auditExportFile, "output", "o", "", "Write the export to a file instead of stdout")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	return auditCmdComplete(cmd, queryAndDisplay(options, nil), started)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	failed := false
	options.Success = &failed
	return auditCmdComplete(cmd, queryAndDisplay(options, nil), started)
}

func runAuditKeys(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.KeyMaterialOnly = true
	return auditCmdComplete(cmd, queryAndDisplay(options, nil), started)
}

func runAuditMessages(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	return auditCmdComplete(cmd, queryAndDisplay(options, isMessageAction), started)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.Limit = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to query audit logs: %w", err), started)
	}

	export := map[string]interface{}{
		"namespace":   viperNamespace(),
		"exported_at": time.Now().UTC(),
		"total":       result.Filtered,
		"events":      result.Events,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if auditExportFile == "" {
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}
	if err = os.WriteFile(auditExportFile, data, 0600); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write export: %w", err), started)
	}
	fmt.Printf("Exported %d events to %s\n", result.Filtered, auditExportFile)
	return auditCmdComplete(cmd, nil, started)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to query audit logs: %w", err), started)
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}
	return auditCmdComplete(cmd, displayAuditStats(stats), started)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:           auditLimit,
		Offset:          auditOffset,
		KeyMaterialOnly: auditKeysOnly,
		Action:          auditAction,
		Fingerprint:     auditFingerprint,
		MessageID:       auditMessageID,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

// queryAndDisplay runs the query and prints the events that pass keep
func queryAndDisplay(options audit.QueryOptions, keep func(action string) bool) error {
	if keep != nil {
		// filter before paginating
		limit, offset := options.Limit, options.Offset
		options.Limit, options.Offset = 0, 0
		result, err := auditLogger.Query(options)
		if err != nil {
			return fmt.Errorf("failed to query audit logs: %w", err)
		}
		var events []audit.Event
		for _, e := range result.Events {
			if keep(e.Action) {
				events = append(events, e)
			}
		}
		start := min(offset, len(events))
		end := len(events)
		if limit > 0 {
			end = min(start+limit, len(events))
		}
		return printAuditResult(audit.QueryResult{
			Events:     events[start:end],
			TotalCount: result.TotalCount,
			Filtered:   len(events),
			HasMore:    end < len(events),
		})
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	return printAuditResult(result)
}

func printAuditResult(result audit.QueryResult) error {
	if auditJsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if err := displayAuditEvents(result.Events); err != nil {
		return err
	}
	if len(result.Events) > 0 {
		fmt.Printf("\nShowing %d of %d matching events", len(result.Events), result.Filtered)
		if result.HasMore {
			fmt.Print(" (use --offset for more)")
		}
		fmt.Println()
	}
	return nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.RequestID != "" {
				fmt.Fprintf(w, "Request ID:\t%s\n", event.RequestID)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Fingerprint != "" {
				fmt.Fprintf(w, "Fingerprint:\t%s\n", event.Fingerprint)
			}
			if event.MessageID != "" {
				fmt.Fprintf(w, "Message ID:\t%s\n", event.MessageID)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tFINGERPRINT\tMESSAGE\tERROR\n")
	for _, event := range events {
		errorMsg := event.Error
		if len(errorMsg) > 30 {
			errorMsg = errorMsg[:30] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			truncateID(event.Fingerprint),
			truncateID(event.MessageID),
			errorMsg)
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	Namespace         string         `json:"namespace"`
	GeneratedAt       time.Time      `json:"generated_at"`
	TimeRange         string         `json:"time_range"`
	TotalEvents       int            `json:"total_events"`
	SuccessfulEvents  int            `json:"successful_events"`
	FailedEvents      int            `json:"failed_events"`
	SuccessRate       float64        `json:"success_rate"`
	ActionBreakdown   map[string]int `json:"action_breakdown"`
	ErrorClasses      map[string]int `json:"error_classes"`
	DailyDistribution map[string]int `json:"daily_distribution"`
	TopFailedActions  []ActionCount  `json:"top_failed_actions"`
	TopSenders        []ActionCount  `json:"top_senders"`
	FirstEvent        *time.Time     `json:"first_event,omitempty"`
	LastEvent         *time.Time     `json:"last_event,omitempty"`
	KeyOperations     int            `json:"key_operations"`
	MessageOperations int            `json:"message_operations"`
	ReplaysDetected   int            `json:"replays_detected"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		Namespace:         viperNamespace(),
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		ErrorClasses:      make(map[string]int),
		DailyDistribution: make(map[string]int),
	}
	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	senders := make(map[string]int)

	for i := range events {
		event := events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
			if class, ok := event.Metadata["error_class"].(string); ok && class != "" {
				stats.ErrorClasses[class]++
			}
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		switch {
		case isMessageAction(event.Action):
			stats.MessageOperations++
			if event.Action == "MESSAGE_DECRYPT_COMPLETED" && event.Fingerprint != "" {
				senders[event.Fingerprint]++
			}
			if event.Action == "MESSAGE_REPLAY_DETECTED" {
				stats.ReplaysDetected++
			}
		case isKeyAction(event.Action):
			stats.KeyOperations++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &events[i].Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &events[i].Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = getTopCounts(failedActions, 5)
	stats.TopSenders = getTopCounts(senders, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}
	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics for Namespace: %s\n", stats.Namespace)
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	if stats.TotalEvents == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	fmt.Printf("Total Events:      %d\n", stats.TotalEvents)
	fmt.Printf("Successful:        %d\n", stats.SuccessfulEvents)
	fmt.Printf("Failed:            %d\n", stats.FailedEvents)
	fmt.Printf("Success Rate:      %.1f%%\n", stats.SuccessRate)
	fmt.Printf("Key Operations:    %d\n", stats.KeyOperations)
	fmt.Printf("Message Events:    %d\n", stats.MessageOperations)
	fmt.Printf("Replays Detected:  %d\n", stats.ReplaysDetected)
	if stats.TimeRange != "" {
		fmt.Printf("Time Range:        %s\n", stats.TimeRange)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Println("\nActions:")
	for _, ac := range getTopCounts(stats.ActionBreakdown, len(stats.ActionBreakdown)) {
		fmt.Fprintf(w, "  %s\t%d\n", ac.Action, ac.Count)
	}
	_ = w.Flush()

	if len(stats.TopFailedActions) > 0 {
		fmt.Println("\nTop Failed Actions:")
		for _, ac := range stats.TopFailedActions {
			fmt.Fprintf(w, "  %s\t%d\n", ac.Action, ac.Count)
		}
		_ = w.Flush()
	}

	if len(stats.ErrorClasses) > 0 {
		fmt.Println("\nError Classes:")
		for _, ac := range getTopCounts(stats.ErrorClasses, len(stats.ErrorClasses)) {
			fmt.Fprintf(w, "  %s\t%d\n", ac.Action, ac.Count)
		}
		_ = w.Flush()
	}

	if len(stats.TopSenders) > 0 {
		fmt.Println("\nTop Senders:")
		for _, ac := range stats.TopSenders {
			fmt.Fprintf(w, "  %s\t%d\n", truncateID(ac.Action), ac.Count)
		}
		_ = w.Flush()
	}
	return nil
}

func getTopCounts(counts map[string]int, limit int) []ActionCount {
	var result []ActionCount
	for name, count := range counts {
		result = append(result, ActionCount{Action: name, Count: count})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Action < result[j].Action
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func isMessageAction(action string) bool {
	return strings.HasPrefix(action, "MESSAGE_")
}

func isKeyAction(action string) bool {
	for _, prefix := range []string{"IDENTITY_", "KEY_", "PASSPHRASE_"} {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}
