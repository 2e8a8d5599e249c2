package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kokoron/kokoron/internal/config"
	"github.com/kokoron/kokoron/internal/pipeline"
)

// --- upload-url ---

var uploadURLCmd = &cobra.Command{
	Use:   "upload-url",
	Short: "Reserve a voice-note key and print its upload URL",
	Long: `Reserve a voice-note key and print its upload URL.

Examples:
  kokoron upload-url --owner u1 --format webm
  kokoron upload-url --owner u1 --format wav --file ./note.wav`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		format, _ := cmd.Flags().GetString("format")
		file, _ := cmd.Flags().GetString("file")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runUploadURL(cmd.Context(), client, pipeline.UploadRequest{OwnerID: owner, Format: format}, file, cmd.OutOrStdout())
	},
}

func init() {
	uploadURLCmd.Flags().String("owner", "", "owner account ID")
	uploadURLCmd.Flags().String("format", "webm", "audio format: webm, wav, mp3 or m4a")
	uploadURLCmd.Flags().String("file", "", "upload this file to the issued URL")
}

func runUploadURL(ctx context.Context, client *apiClient, req pipeline.UploadRequest, file string, w io.Writer) error {
	resp, err := client.post(ctx, "/v1/uploads", req)
	if err != nil {
		return err
	}
	var ticket pipeline.UploadTicket
	if err := decodeJSON(resp, &ticket); err != nil {
		return err
	}

	if file != "" {
		printStep("Uploading %s", file)
		if err := putFile(ctx, client.httpClient, ticket, file); err != nil {
			return err
		}
		printSuccess("Uploaded %s", file)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ticket)
}

func putFile(ctx context.Context, hc *http.Client, ticket pipeline.UploadTicket, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.GrantURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", ticket.ContentType)
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Save today's emotion record for a child",
	Long: `Save today's emotion record for a child. An earlier record for the
same child on the same day is replaced.

Examples:
  kokoron record --owner u1 --subject c1 --category happy --intensity 2
  kokoron record --owner u1 --subject c1 --category sad --intensity 3 \
    --audio voice-uploads/audio/u1/2024/01/15/..._recording.webm`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req pipeline.ConfirmRequest
		req.OwnerID, _ = cmd.Flags().GetString("owner")
		req.SubjectID, _ = cmd.Flags().GetString("subject")
		req.CategoryID, _ = cmd.Flags().GetString("category")
		req.IntensityID, _ = cmd.Flags().GetInt("intensity")
		req.Note, _ = cmd.Flags().GetString("note")
		req.AudioLocation, _ = cmd.Flags().GetString("audio")
		req.TextLocation, _ = cmd.Flags().GetString("text")
		if req.OwnerID == "" || req.SubjectID == "" || req.CategoryID == "" || req.IntensityID == 0 {
			return fmt.Errorf("--owner, --subject, --category and --intensity are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRecord(cmd.Context(), client, req)
	},
}

func init() {
	recordCmd.Flags().String("owner", "", "owner account ID")
	recordCmd.Flags().String("subject", "", "child ID")
	recordCmd.Flags().String("category", "", "emotion category ID")
	recordCmd.Flags().Int("intensity", 0, "intensity level (1-3)")
	recordCmd.Flags().String("note", "", "free-text note")
	recordCmd.Flags().String("audio", "", "voice note location")
	recordCmd.Flags().String("text", "", "transcript location")
}

func runRecord(ctx context.Context, client *apiClient, req pipeline.ConfirmRequest) error {
	resp, err := client.post(ctx, "/v1/records", req)
	if err != nil {
		return err
	}
	var result struct {
		RecordID string `json:"record_id"`
		Day      string `json:"day"`
		Replaced int    `json:"replaced"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Replaced > 0 {
		printSuccess("Saved record %s for %s (replaced %d)", result.RecordID, result.Day, result.Replaced)
		return nil
	}
	printSuccess("Saved record %s for %s", result.RecordID, result.Day)
	return nil
}

// --- transcribe ---

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <location>",
	Short: "Transcribe a stored voice note",
	Long: `Transcribe a stored voice note. With --save-text the transcript is
stored for the owner and its location printed, ready for record --text.

Examples:
  kokoron transcribe voice-uploads/audio/u1/2024/01/15/..._recording.webm
  kokoron transcribe --owner u1 --save-text archive://kokoron/voice-uploads/audio/u1/...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := pipeline.TranscribeRequest{AudioLocation: args[0]}
		req.Language, _ = cmd.Flags().GetString("language")
		req.OwnerID, _ = cmd.Flags().GetString("owner")
		req.SaveText, _ = cmd.Flags().GetBool("save-text")
		asJSON, _ := cmd.Flags().GetBool("json")
		if req.SaveText && req.OwnerID == "" {
			return fmt.Errorf("--owner is required with --save-text")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runTranscribe(cmd.Context(), client, req, asJSON, cmd.OutOrStdout())
	},
}

func init() {
	transcribeCmd.Flags().String("language", "", "language code such as ja or en, or auto (default ja)")
	transcribeCmd.Flags().String("owner", "", "owner account ID the saved transcript belongs to")
	transcribeCmd.Flags().Bool("save-text", false, "store the transcript and print its location")
	transcribeCmd.Flags().Bool("json", false, "print the full result as JSON")
}

func runTranscribe(ctx context.Context, client *apiClient, req pipeline.TranscribeRequest, asJSON bool, w io.Writer) error {
	resp, err := client.post(ctx, "/v1/transcriptions", req)
	if err != nil {
		return err
	}
	var res pipeline.TranscribeResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(w, res.Text)
	if res.TextLocation != "" {
		printSuccess("Transcript saved as %s", res.TextLocation)
	}
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List a child's records, newest first",
	Long: `List a child's records, newest first.

Examples:
  kokoron history --owner u1 --subject c1
  kokoron history --owner u1 --subject c1 --date 2024-01-15
  kokoron history --owner u1 --subject c1 --limit 7 --offset 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req pipeline.ListRequest
		req.OwnerID, _ = cmd.Flags().GetString("owner")
		req.SubjectID, _ = cmd.Flags().GetString("subject")
		req.Date, _ = cmd.Flags().GetString("date")
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.Offset, _ = cmd.Flags().GetInt("offset")
		if req.OwnerID == "" || req.SubjectID == "" {
			return fmt.Errorf("--owner and --subject are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runHistory(cmd.Context(), client, req, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().String("owner", "", "owner account ID")
	historyCmd.Flags().String("subject", "", "child ID")
	historyCmd.Flags().String("date", "", "only this day (YYYY-MM-DD)")
	historyCmd.Flags().Int("limit", 0, "page size (default 20, max 100)")
	historyCmd.Flags().Int("offset", 0, "records to skip")
}

func runHistory(ctx context.Context, client *apiClient, req pipeline.ListRequest, w io.Writer) error {
	q := url.Values{"owner_id": {req.OwnerID}, "subject_id": {req.SubjectID}}
	if req.Date != "" {
		q.Set("date", req.Date)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	resp, err := client.get(ctx, "/v1/records?"+q.Encode())
	if err != nil {
		return err
	}
	var body struct {
		Records []pipeline.RecordView `json:"records"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	if len(body.Records) == 0 {
		printWarning("No records found")
		return nil
	}
	fmt.Fprintln(w, renderRecordList(body.Records))
	return nil
}

// --- today ---

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's record for a child",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		subject, _ := cmd.Flags().GetString("subject")
		if owner == "" || subject == "" {
			return fmt.Errorf("--owner and --subject are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runToday(cmd.Context(), client, owner, subject, cmd.OutOrStdout())
	},
}

func init() {
	todayCmd.Flags().String("owner", "", "owner account ID")
	todayCmd.Flags().String("subject", "", "child ID")
}

func runToday(ctx context.Context, client *apiClient, owner, subject string, w io.Writer) error {
	q := url.Values{"owner_id": {owner}, "subject_id": {subject}}
	resp, err := client.get(ctx, "/v1/records/today?"+q.Encode())
	if err != nil {
		return err
	}
	var view pipeline.RecordView
	if err := decodeJSON(resp, &view); err != nil {
		return err
	}
	fmt.Fprintln(w, renderTable(recordRows(view)))
	return nil
}

func recordRows(v pipeline.RecordView) [][2]string {
	rows := [][2]string{
		{"Record", v.ID},
		{"Category", v.CategoryID},
		{"Intensity", strconv.Itoa(v.IntensityID)},
	}
	if v.Note != "" {
		rows = append(rows, [2]string{"Note", v.Note})
	}
	if v.AudioKey != "" {
		rows = append(rows, [2]string{"Audio", v.AudioKey})
	}
	if v.TextKey != "" {
		rows = append(rows, [2]string{"Transcript", v.TextKey})
	}
	rows = append(rows,
		[2]string{"Created", v.CreatedAt.Local().Format(time.DateTime)},
		[2]string{"Updated", v.UpdatedAt.Local().Format(time.DateTime)},
	)
	return rows
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n  (file: %s)\n", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
