package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeYAY/SPACE/internal/sandbox"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/rs/zerolog/log"
)

// strictShell makes every command fail fast on errors, unset variables and
// broken pipes.
const strictShell = "set -euo pipefail\n"

// Fixed tool outputs.
const (
	CommandCompleted = "Command completed."
	FilesWritten     = "Files created/updated successfully"
)

// SessionSource rehydrates a sandbox session from its handle.
type SessionSource interface {
	Lookup(ctx context.Context, handle string) (sandbox.Session, error)
}

// ── terminal ────────────────────────────────────────────────

type terminalArgs struct {
	Command string `json:"command"`
}

// Terminal runs shell commands inside the run's sandbox.
func Terminal(sessions SessionSource, handle string) Tool {
	return Tool{
		Name:        "terminal",
		Description: "Use the terminal to run commands",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []any{"command"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			var args terminalArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return Result{Output: "Error: " + err.Error()}
			}
			return Result{Output: runTerminal(ctx, sessions, handle, args.Command)}
		},
	}
}

func runTerminal(ctx context.Context, sessions SessionSource, handle, command string) string {
	var exe *sandbox.Execution

	sess, err := sessions.Lookup(ctx, handle)
	if err == nil {
		exe, err = sess.RunCommand(ctx, strictShell+command)
	}
	if exe == nil {
		exe = &sandbox.Execution{}
	}
	if err != nil {
		out := fmt.Sprintf("command failed: %v\nstdout: %s\nstderr: %s", err, exe.Stdout, exe.Stderr)
		log.Warn().Err(err).Str("sandbox", handle).Msg("Terminal dispatch failed")
		return out
	}

	if exe.Error != nil {
		return fmt.Sprintf("command failed: %s: %s\nstdout: %s\nstderr: %s\ntraceback: %s",
			exe.Error.Name, exe.Error.Value, exe.Stdout, exe.Stderr, exe.Error.Traceback)
	}

	if out := strings.TrimSpace(exe.Stdout); out != "" {
		return out
	}
	if exe.Text != "" {
		return exe.Text
	}
	return CommandCompleted
}

// ── createOrUpdateFiles ─────────────────────────────────────

type fileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFilesArgs struct {
	Files []fileEntry `json:"files"`
}

// WriteFiles writes files into the sandbox and reports them for merging
// into the run's file collection.
func WriteFiles(sessions SessionSource, handle string) Tool {
	return Tool{
		Name:        "createOrUpdateFiles",
		Description: "Create or update files in the sandbox",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []any{"path", "content"},
					},
				},
			},
			"required": []any{"files"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			var args writeFilesArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return Result{Output: "Error: " + err.Error()}
			}

			written := make(models.FileCollection, len(args.Files))
			sess, err := sessions.Lookup(ctx, handle)
			if err != nil {
				return Result{Output: "Error: " + err.Error(), Files: written}
			}
			// Writes before a failing entry stay applied.
			for _, f := range args.Files {
				if err := sess.WriteFile(ctx, f.Path, f.Content); err != nil {
					return Result{Output: "Error: " + err.Error(), Files: written}
				}
				written[f.Path] = f.Content
			}
			return Result{Output: FilesWritten, Files: written}
		},
	}
}

// ── readFiles ───────────────────────────────────────────────

type readFilesArgs struct {
	Files []string `json:"files"`
}

// ReadFiles reads files back from the sandbox as a JSON array.
func ReadFiles(sessions SessionSource, handle string) Tool {
	return Tool{
		Name:        "readFiles",
		Description: "Read files from the sandbox",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []any{"files"},
		},
		Handler: func(ctx context.Context, call Call) Result {
			var args readFilesArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return Result{Output: "Error: " + err.Error()}
			}

			sess, err := sessions.Lookup(ctx, handle)
			if err != nil {
				return Result{Output: "Error: " + err.Error()}
			}
			contents := make([]fileEntry, 0, len(args.Files))
			for _, path := range args.Files {
				content, err := sess.ReadFile(ctx, path)
				if err != nil {
					return Result{Output: "Error: " + err.Error()}
				}
				contents = append(contents, fileEntry{Path: path, Content: content})
			}

			out, err := marshal(contents, false)
			if err != nil {
				return Result{Output: "Error: " + err.Error()}
			}
			return Result{Output: out}
		},
	}
}

// NewRunRegistry registers the full tool set for one run's sandbox.
func NewRunRegistry(sessions SessionSource, handle string) (*Registry, error) {
	r := NewRegistry()
	for _, t := range []Tool{
		Terminal(sessions, handle),
		WriteFiles(sessions, handle),
		ReadFiles(sessions, handle),
		ViewDataSpaceCollection(),
	} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
