package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/vaultctl/internal/protocol/command"
	"github.com/danmuck/vaultctl/internal/vault"
)

// NoEntryReason is the failure reason for a FIND that matches nothing.
const NoEntryReason = "No entry found"

// Searcher is the narrow vault boundary the dispatcher consumes. The agent
// holds one unlocked vault behind it; the direct server builds one per
// authenticated connection.
type Searcher interface {
	Search(query string) []vault.Entry
}

// Dispatcher answers decoded lookup requests per the wire contract: every
// well-formed FIND gets exactly one reply, either a FAIL reason or the
// matched entries rendered as Field: value blocks.
type Dispatcher struct {
	source Searcher
}

func NewDispatcher(source Searcher) *Dispatcher {
	return &Dispatcher{source: source}
}

// Handle produces the reply payload for one request. Outcome is reported for
// metrics alongside the payload.
func (d *Dispatcher) Handle(req command.Request) (payload []byte, outcome string) {
	switch req.Word {
	case command.WordFind:
		entries := d.source.Search(string(req.Arg))
		if len(entries) == 0 {
			return command.EncodeFailure(NoEntryReason), "no_match"
		}
		return command.EncodeSuccess(RenderEntries(entries)), "found"
	default:
		return command.EncodeFailure(fmt.Sprintf("unsupported command %q", req.Word)), "fail"
	}
}

// RenderEntries renders matched entries for a success reply: one block of
// ordered "Field: value" lines per entry, absent fields omitted, blank line
// between entries.
func RenderEntries(entries []vault.Entry) string {
	blocks := make([]string, 0, len(entries))
	for _, entry := range entries {
		blocks = append(blocks, renderEntry(entry))
	}
	return strings.Join(blocks, "\n\n")
}

func renderEntry(entry vault.Entry) string {
	lines := make([]string, 0, 9)
	appendField := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+value)
		}
	}
	appendField("Title", entry.Title)
	appendField("URL", entry.URL)
	appendField("Username", entry.Username)
	appendField("Password", entry.Password)
	appendField("Created", renderTime(entry.Created))
	appendField("Accessed", renderTime(entry.Accessed))
	appendField("Modified", renderTime(entry.Modified))
	appendField("Expires", renderTime(entry.Expires))
	appendField("Comment", entry.Comment)
	return strings.Join(lines, "\n")
}

func renderTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
