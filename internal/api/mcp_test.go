package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/pipeline"
	"github.com/kokoron/kokoron/internal/storage"
	"github.com/kokoron/kokoron/internal/transcribe"
)

// --- helpers ---

func newTestMCPDeps(capture *mockCapture) MCPDeps {
	return MCPDeps{Capture: capture, Catalog: catalog.NewStatic()}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_RequestUpload(t *testing.T) {
	capture := &mockCapture{ticket: pipeline.UploadTicket{Key: "voice-uploads/audio/u1/k.wav"}}
	handler := mcpRequestUpload(newTestMCPDeps(capture))

	result, err := handler(context.Background(), makeCallToolRequest("request_upload", map[string]interface{}{
		"owner_id": "u1",
		"format":   "wav",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var ticket pipeline.UploadTicket
	if err := json.Unmarshal([]byte(toolText(t, result)), &ticket); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ticket.Key != "voice-uploads/audio/u1/k.wav" {
		t.Errorf("key = %q", ticket.Key)
	}
	if capture.upload.Format != "wav" {
		t.Errorf("format = %q", capture.upload.Format)
	}
}

func TestMCPTool_RequestUpload_MissingOwner(t *testing.T) {
	handler := mcpRequestUpload(newTestMCPDeps(&mockCapture{}))
	result, _ := handler(context.Background(), makeCallToolRequest("request_upload", map[string]interface{}{
		"format": "wav",
	}))
	if !result.IsError {
		t.Error("expected error for missing owner_id")
	}
}

func TestMCPTool_RecordEmotion(t *testing.T) {
	capture := &mockCapture{save: storage.SaveResult{RecordID: "rec-1", Day: "2024-01-15", Replaced: 1}}
	handler := mcpRecordEmotion(newTestMCPDeps(capture))

	result, err := handler(context.Background(), makeCallToolRequest("record_emotion", map[string]interface{}{
		"owner_id":     "u1",
		"subject_id":   "c1",
		"category_id":  "happy",
		"intensity_id": float64(3),
		"note":         "公園で遊んだ",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := toolText(t, result)
	if result.IsError {
		t.Fatalf("tool error: %s", text)
	}
	if !strings.Contains(text, "rec-1") || !strings.Contains(text, "replaced 1") {
		t.Errorf("text = %q", text)
	}
	if capture.confirm.IntensityID != 3 || capture.confirm.Note != "公園で遊んだ" {
		t.Errorf("confirm request = %+v", capture.confirm)
	}
}

func TestMCPTool_RecordEmotion_Validation(t *testing.T) {
	capture := &mockCapture{}
	handler := mcpRecordEmotion(newTestMCPDeps(capture))

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing subject", map[string]interface{}{"owner_id": "u1", "category_id": "happy", "intensity_id": float64(1)}},
		{"missing intensity", map[string]interface{}{"owner_id": "u1", "subject_id": "c1", "category_id": "happy"}},
		{"fractional intensity", map[string]interface{}{"owner_id": "u1", "subject_id": "c1", "category_id": "happy", "intensity_id": 2.7}},
		{"zero intensity", map[string]interface{}{"owner_id": "u1", "subject_id": "c1", "category_id": "happy", "intensity_id": float64(0)}},
		{"string intensity", map[string]interface{}{"owner_id": "u1", "subject_id": "c1", "category_id": "happy", "intensity_id": "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _ := handler(context.Background(), makeCallToolRequest("record_emotion", tt.args))
			if !result.IsError {
				t.Error("expected tool error")
			}
		})
	}
	if capture.confirm.OwnerID != "" {
		t.Errorf("record saved despite invalid input: %+v", capture.confirm)
	}
}

func TestMCPTool_RecordEmotion_PipelineError(t *testing.T) {
	handler := mcpRecordEmotion(newTestMCPDeps(&mockCapture{err: pipeline.ErrUnknownCategory}))
	result, _ := handler(context.Background(), makeCallToolRequest("record_emotion", map[string]interface{}{
		"owner_id":     "u1",
		"subject_id":   "c1",
		"category_id":  "bored",
		"intensity_id": float64(1),
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "unknown") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_TranscribeAudio(t *testing.T) {
	capture := &mockCapture{transcript: pipeline.TranscribeResult{Result: transcribe.Result{Text: "たのしかった", Language: "ja"}}}
	handler := mcpTranscribeAudio(newTestMCPDeps(capture))

	result, err := handler(context.Background(), makeCallToolRequest("transcribe_audio", map[string]interface{}{
		"audio_location": "archive://local/voice-uploads/audio/u1/a.webm",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var res transcribe.Result
	json.Unmarshal([]byte(toolText(t, result)), &res)
	if res.Text != "たのしかった" {
		t.Errorf("text = %q", res.Text)
	}
	if capture.transcribe.Language != "" || capture.transcribe.SaveText {
		t.Errorf("transcribe request = %+v, want defaults", capture.transcribe)
	}
}

func TestMCPTool_TranscribeAudio_SaveText(t *testing.T) {
	capture := &mockCapture{transcript: pipeline.TranscribeResult{
		Result:       transcribe.Result{Text: "たのしかった"},
		TextKey:      "voice-uploads/text/u1/t.txt",
		TextLocation: "archive://local/voice-uploads/text/u1/t.txt",
	}}
	handler := mcpTranscribeAudio(newTestMCPDeps(capture))

	result, _ := handler(context.Background(), makeCallToolRequest("transcribe_audio", map[string]interface{}{
		"audio_location": "voice-uploads/audio/u1/a.webm",
		"owner_id":       "u1",
		"save_text":      true,
	}))
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !capture.transcribe.SaveText || capture.transcribe.OwnerID != "u1" {
		t.Errorf("transcribe request = %+v", capture.transcribe)
	}
	if !strings.Contains(toolText(t, result), `"text_location":"archive://local/voice-uploads/text/u1/t.txt"`) {
		t.Errorf("text = %s", toolText(t, result))
	}
}

func TestMCPTool_TodayRecord(t *testing.T) {
	handler := mcpTodayRecord(newTestMCPDeps(&mockCapture{view: pipeline.RecordView{ID: "rec-5"}}))
	result, _ := handler(context.Background(), makeCallToolRequest("today_record", map[string]interface{}{
		"owner_id":   "u1",
		"subject_id": "c1",
	}))
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var view pipeline.RecordView
	json.Unmarshal([]byte(toolText(t, result)), &view)
	if view.ID != "rec-5" || view.SubjectID != "c1" {
		t.Errorf("view = %+v", view)
	}
}

func TestMCPResource_Catalog(t *testing.T) {
	handler := mcpResourceCatalog(newTestMCPDeps(&mockCapture{}))
	contents, err := handler(context.Background(), makeReadResourceRequest("kokoron://catalog"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var body struct {
		Categories  []catalog.Category  `json:"categories"`
		Intensities []catalog.Intensity `json:"intensities"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Categories) != 12 || len(body.Intensities) != 3 {
		t.Errorf("got %d categories and %d intensities", len(body.Categories), len(body.Intensities))
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	s := NewMCPServer(newTestMCPDeps(&mockCapture{}))
	if s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
