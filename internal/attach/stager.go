// Package attach materializes inbound message attachments to scratch storage
// so the outgoing prompt can reference them by path.
package attach

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"agentrelay/internal/protocol"
)

// dataURIPattern matches data:<mime>;base64,<payload>.
var dataURIPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.+)$`)

// StagedFile is one manifest entry: the client-visible name and where the
// bytes landed on disk.
type StagedFile struct {
	DisplayName string `json:"displayName"`
	StoredPath  string `json:"storedPath"`
}

// Stager writes attachment payloads under a dedicated scratch directory.
// Staged files are never deleted here; retention is an operational concern.
type Stager struct {
	scratchDir string
}

// NewStager creates a stager rooted at scratchDir, creating it if absent.
func NewStager(scratchDir string) (*Stager, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Stager{scratchDir: scratchDir}, nil
}

// Stage materializes each attachment once and returns the manifest in input
// order. A malformed payload skips that attachment with a logged warning and
// never fails the batch.
func (s *Stager) Stage(ctx context.Context, attachments []protocol.Attachment) []StagedFile {
	manifest := make([]StagedFile, 0, len(attachments))

	for i, att := range attachments {
		name := att.Name
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}

		path, err := s.stageOne(name, att)
		if err != nil {
			log.Errorf(ctx, err, "skipping attachment %q", name)
			continue
		}

		manifest = append(manifest, StagedFile{DisplayName: name, StoredPath: path})
	}

	return manifest
}

func (s *Stager) stageOne(name string, att protocol.Attachment) (string, error) {
	isImage := strings.HasPrefix(att.Type, "image/")

	if m := dataURIPattern.FindStringSubmatch(att.Data); m != nil {
		raw, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return "", fmt.Errorf("decode data URI: %w", err)
		}
		ext := filepath.Ext(name)
		if ext == "" {
			if isImage {
				ext = ".png"
			} else {
				ext = ".bin"
			}
		}
		return s.write(ext, raw)
	}

	// Anything that is not a data URI is treated as literal text.
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".txt"
	}
	return s.write(ext, []byte(att.Data))
}

// write persists bytes under a collision-resistant name so concurrent
// uploads never overwrite each other.
func (s *Stager) write(ext string, data []byte) (string, error) {
	fileName := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.New().String()[:8], ext)
	path := filepath.Join(s.scratchDir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// AugmentPrompt appends a human-readable file listing to the prompt text.
// An empty manifest returns the prompt unchanged.
func AugmentPrompt(prompt string, manifest []StagedFile) string {
	if len(manifest) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached files:\n")
	for _, f := range manifest {
		fmt.Fprintf(&b, "- %s: %s\n", f.DisplayName, f.StoredPath)
	}
	return b.String()
}
