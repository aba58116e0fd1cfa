package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/openfab/fablink/internal/logging"
)

// OctoPrint API paths. The job endpoint accepts the fixed command
// vocabulary ("pause"/"resume"/"cancel") as thin JSON envelopes.
const (
	octoJobPath       = "/api/job"
	octoPrinterPath   = "/api/printer"
	octoPrintheadPath = "/api/printer/printhead"
	octoToolPath      = "/api/printer/tool"
	octoBedPath       = "/api/printer/bed"
	octoGcodePath     = "/api/printer/command"
	octoFilesPath     = "/api/files/local"
)

// OctoPrintConnection speaks the OctoPrint REST dialect. It behaves exactly
// like the generic HTTP connection for connect/health purposes and adds
// job-control verbs, printer queries and file operations.
type OctoPrintConnection struct {
	*HTTPConnection

	push *pushListener
}

// NewOctoPrintConnection creates a connection to an OctoPrint server.
// The API key is required by most OctoPrint installs but may be empty for
// anonymous read-only setups.
func NewOctoPrintConnection(baseURL, apiKey string) *OctoPrintConnection {
	return &OctoPrintConnection{
		HTTPConnection: NewHTTPConnection(baseURL, apiKey),
	}
}

// Disconnect stops the push listener (if running) and drops the connection.
func (c *OctoPrintConnection) Disconnect() error {
	c.StopPushListener()
	return c.HTTPConnection.Disconnect()
}

// SendCommand maps the command vocabulary onto OctoPrint REST calls.
// Fails fast without I/O while disconnected.
func (c *OctoPrintConnection) SendCommand(ctx context.Context, command string, params map[string]any) Result {
	if !c.IsConnected() {
		return Fail("not connected", CodeConnectionError)
	}

	switch command {
	case CmdStart:
		if file := stringParam(params, "file"); file != "" {
			// Selecting with print=true starts the job in one call
			return c.post(ctx, octoFilesPath+"/"+url.PathEscape(file), map[string]any{
				"command": "select",
				"print":   true,
			}, command)
		}
		return c.post(ctx, octoJobPath, map[string]any{"command": "start"}, command)
	case CmdPause:
		return c.post(ctx, octoJobPath, map[string]any{"command": "pause", "action": "pause"}, command)
	case CmdResume:
		return c.post(ctx, octoJobPath, map[string]any{"command": "pause", "action": "resume"}, command)
	case CmdCancel:
		return c.post(ctx, octoJobPath, map[string]any{"command": "cancel"}, command)
	case CmdHome:
		axes := axesParam(params)
		if len(axes) == 0 {
			axes = []string{"x", "y", "z"}
		}
		return c.post(ctx, octoPrintheadPath, map[string]any{"command": "home", "axes": axes}, command)
	case CmdJog:
		axis := stringParam(params, "axis")
		distance, ok := floatParam(params, "distance")
		if axis == "" || !ok {
			return Fail("jog requires an axis and a distance", CodeUnsupported)
		}
		envelope := map[string]any{"command": "jog", axis: distance}
		if speed, ok := floatParam(params, "speed"); ok {
			envelope["speed"] = speed
		}
		return c.post(ctx, octoPrintheadPath, envelope, command)
	case CmdSetTemperature:
		target, ok := floatParam(params, "target")
		if !ok {
			return Fail("set_temperature requires a target", CodeUnsupported)
		}
		switch stringParam(params, "zone") {
		case ZoneHotend:
			return c.post(ctx, octoToolPath, map[string]any{
				"command": "target",
				"targets": map[string]any{"tool0": target},
			}, command)
		case ZoneBed:
			return c.post(ctx, octoBedPath, map[string]any{"command": "target", "target": target}, command)
		default:
			return Fail("unknown temperature zone", CodeUnsupported)
		}
	case CmdEmergencyStop:
		// M112 goes straight to the firmware, bypassing OctoPrint's queue
		return c.post(ctx, octoGcodePath, map[string]any{"commands": []string{"M112"}}, command)
	case CmdGetState, CmdGetTemps:
		return c.get(ctx, octoPrinterPath, command)
	case CmdGetProgress, CmdGetJob:
		return c.get(ctx, octoJobPath, command)
	case CmdListFiles:
		return c.get(ctx, octoFilesPath, command)
	case CmdDeleteFile:
		file := stringParam(params, "file")
		if file == "" {
			return Fail("delete_file requires a file", CodeUnsupported)
		}
		return c.request(ctx, http.MethodDelete, octoFilesPath+"/"+url.PathEscape(file), nil, command)
	case CmdUploadFile:
		return c.upload(ctx, params, command)
	default:
		// Anything outside the vocabulary is sent verbatim as G-code
		return c.post(ctx, octoGcodePath, map[string]any{"commands": []string{command}}, command)
	}
}

func (c *OctoPrintConnection) get(ctx context.Context, path, command string) Result {
	return c.request(ctx, http.MethodGet, path, nil, command)
}

func (c *OctoPrintConnection) post(ctx context.Context, path string, body map[string]any, command string) Result {
	return c.request(ctx, http.MethodPost, path, body, command)
}

func (c *OctoPrintConnection) request(ctx context.Context, method, path string, body map[string]any, command string) Result {
	status, payload, err := c.do(ctx, method, path, body)
	if err != nil {
		logging.LogCommand(c.BaseURL(), command, false)
		var connErr *Error
		if errors.As(err, &connErr) {
			return Fail(err.Error(), connErr.Code())
		}
		return Fail(err.Error(), CodeConnectionError)
	}
	// OctoPrint answers job/printhead commands with 204 No Content
	if status < 200 || status >= 300 {
		logging.LogCommand(c.BaseURL(), command, false)
		if status == http.StatusConflict {
			// 409 means the printer is not in a state to accept the command
			return Fail("printer state conflict", CodeInvalidState)
		}
		return Fail(fmt.Sprintf("request rejected with status %d", status), CodeHTTPError)
	}

	logging.LogCommand(c.BaseURL(), command, true)
	return OK(decodeJSONBody(payload))
}

// upload sends a multipart file upload to the local storage location.
// params: "file" (name) and "content" ([]byte or string).
func (c *OctoPrintConnection) upload(ctx context.Context, params map[string]any, command string) Result {
	name := stringParam(params, "file")
	if name == "" {
		return Fail("upload_file requires a file name", CodeUnsupported)
	}

	var content []byte
	switch v := params["content"].(type) {
	case []byte:
		content = v
	case string:
		content = []byte(v)
	default:
		return Fail("upload_file requires file content", CodeUnsupported)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return Fail("failed to build upload request", CodeProtocolError)
	}
	if _, err := part.Write(content); err != nil {
		return Fail("failed to build upload request", CodeProtocolError)
	}
	if err := writer.Close(); err != nil {
		return Fail("failed to build upload request", CodeProtocolError)
	}

	status, payload, err := c.doRaw(ctx, http.MethodPost, octoFilesPath, writer.FormDataContentType(), &buf)
	if err != nil {
		logging.LogCommand(c.BaseURL(), command, false)
		var connErr *Error
		if errors.As(err, &connErr) {
			return Fail(err.Error(), connErr.Code())
		}
		return Fail(err.Error(), CodeConnectionError)
	}
	if status < 200 || status >= 300 {
		logging.LogCommand(c.BaseURL(), command, false)
		return Fail(fmt.Sprintf("upload rejected with status %d", status), CodeHTTPError)
	}

	logging.LogCommand(c.BaseURL(), command, true)
	return OK(decodeJSONBody(payload))
}
