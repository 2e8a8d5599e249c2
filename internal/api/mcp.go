package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Capture Capture
	Catalog catalog.Catalog
	Version string
}

// NewMCPServer creates an MCP server with the capture tools and the catalog
// resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"kokoron",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kokoron records a child's daily emotion check-in with an optional voice note. "+
			"Read kokoron://catalog for valid category and intensity IDs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("request_upload",
			mcp.WithDescription("Reserve a storage key for a voice note and return a short-lived upload URL."),
			mcp.WithString("owner_id", mcp.Description("Account that owns the recording"), mcp.Required()),
			mcp.WithString("format", mcp.Description("Audio format: webm, wav, mp3 or m4a"), mcp.Required()),
		),
		mcpRequestUpload(deps),
	)

	s.AddTool(
		mcp.NewTool("transcribe_audio",
			mcp.WithDescription("Transcribe a stored voice note."),
			mcp.WithString("audio_location", mcp.Description("Storage key, archive:// URI or s3:// URI"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Language code such as ja or en, or auto (default ja)")),
			mcp.WithString("owner_id", mcp.Description("Account the saved transcript belongs to; required with save_text")),
			mcp.WithBoolean("save_text", mcp.Description("Store the transcript and return a text_location for record_emotion")),
		),
		mcpTranscribeAudio(deps),
	)

	s.AddTool(
		mcp.NewTool("record_emotion",
			mcp.WithDescription("Save today's emotion record for a subject, replacing any earlier record from the same day."),
			mcp.WithString("owner_id", mcp.Description("Account that owns the record"), mcp.Required()),
			mcp.WithString("subject_id", mcp.Description("Child the record is about"), mcp.Required()),
			mcp.WithString("category_id", mcp.Description("Emotion category ID from kokoron://catalog"), mcp.Required()),
			mcp.WithNumber("intensity_id", mcp.Description("Intensity level 1-3"), mcp.Required()),
			mcp.WithString("note", mcp.Description("Optional free-text note")),
			mcp.WithString("audio_location", mcp.Description("Optional voice note location")),
			mcp.WithString("text_location", mcp.Description("Optional transcript location")),
		),
		mcpRecordEmotion(deps),
	)

	s.AddTool(
		mcp.NewTool("today_record",
			mcp.WithDescription("Fetch today's record for a subject."),
			mcp.WithString("owner_id", mcp.Description("Account that owns the record"), mcp.Required()),
			mcp.WithString("subject_id", mcp.Description("Child the record is about"), mcp.Required()),
		),
		mcpTodayRecord(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kokoron://catalog",
			"Emotion Catalog",
			mcp.WithResourceDescription("Emotion categories and intensity levels as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalog(deps),
	)

	return s
}

func mcpRequestUpload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		format, err := req.RequireString("format")
		if err != nil {
			return mcpError("format is required"), nil
		}
		ticket, err := deps.Capture.RequestUpload(ctx, pipeline.UploadRequest{OwnerID: owner, Format: format})
		if err != nil {
			return mcpError(fmt.Sprintf("upload request failed: %v", err)), nil
		}
		return mcpJSON(ticket)
	}
}

func mcpTranscribeAudio(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		location, err := req.RequireString("audio_location")
		if err != nil {
			return mcpError("audio_location is required"), nil
		}
		res, err := deps.Capture.TranscribeStored(ctx, pipeline.TranscribeRequest{
			AudioLocation: location,
			Language:      req.GetString("language", ""),
			OwnerID:       req.GetString("owner_id", ""),
			SaveText:      req.GetBool("save_text", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("transcription failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRecordEmotion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		subject, err := req.RequireString("subject_id")
		if err != nil {
			return mcpError("subject_id is required"), nil
		}
		category, err := req.RequireString("category_id")
		if err != nil {
			return mcpError("category_id is required"), nil
		}
		intensity, err := intensityArg(req.GetArguments()["intensity_id"])
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Capture.ConfirmRecord(ctx, pipeline.ConfirmRequest{
			OwnerID:       owner,
			SubjectID:     subject,
			CategoryID:    category,
			IntensityID:   intensity,
			Note:          req.GetString("note", ""),
			AudioLocation: req.GetString("audio_location", ""),
			TextLocation:  req.GetString("text_location", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save record: %v", err)), nil
		}
		if res.Replaced > 0 {
			return mcpText(fmt.Sprintf("Stored record %s for %s (replaced %d earlier)", res.RecordID, res.Day, res.Replaced)), nil
		}
		return mcpText(fmt.Sprintf("Stored record %s for %s", res.RecordID, res.Day)), nil
	}
}

// intensityArg reads a whole-number intensity. JSON numbers arrive as
// float64, so fractional values are rejected rather than truncated.
func intensityArg(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, errors.New("intensity_id is required")
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("intensity_id must be a number, got %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("intensity_id must be a number, got %T", v)
	}
	if f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, fmt.Errorf("intensity_id must be a positive whole number, got %v", f)
	}
	return int(f), nil
}

func mcpTodayRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		subject, err := req.RequireString("subject_id")
		if err != nil {
			return mcpError("subject_id is required"), nil
		}
		view, err := deps.Capture.TodayRecord(ctx, owner, subject)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

func mcpResourceCatalog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cats, err := deps.Catalog.Categories(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list categories: %w", err)
		}
		levels, err := deps.Catalog.Intensities(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list intensities: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"categories":  cats,
			"intensities": levels,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
