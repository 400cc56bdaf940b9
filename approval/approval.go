// Package approval gates bash actions on explicit user consent. Approval is
// tied to the exact script body via a SHA-256 digest: any change to the body
// (including regeneration by the planning layer) invalidates a prior
// approval and blocks execution until the user confirms again.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/slogger"
)

// HashScript returns the hex-encoded SHA-256 digest of a script body.
func HashScript(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Request carries everything the user needs to decide on a script.
type Request struct {
	AutomationID   string
	AutomationName string
	ScriptID       string
	ScriptName     string
	Body           string
	// PreviousBody is the last approved body when a changed script is
	// re-surfaced, so the prompt can show what changed.
	PreviousBody string
	Capabilities automation.Capabilities
}

// Prompter surfaces an approval request to the human operator and returns
// their decision. Implementations block the pending action but must not
// block other automations.
type Prompter interface {
	Approve(ctx context.Context, req *Request) (bool, error)
}

// Gate decides whether a bash action may execute. Approval state lives on
// the action inside the automation spec; the gate mutates it and the caller
// persists the spec.
type Gate struct {
	prompter Prompter
	logger   slogger.Logger
}

func NewGate(prompter Prompter, logger slogger.Logger) *Gate {
	if logger == nil {
		logger = slogger.NewDevNull()
	}
	return &Gate{prompter: prompter, logger: logger}
}

// Authorize checks the script body about to run against the action's
// approval state, surfacing a prompt when consent is missing. It returns
// automation.ErrApprovalRequired if the user has not (or no longer has)
// approved this exact body. The body is the raw stored script, hashed before
// variable resolution, so approval covers what the user actually reviewed.
func (g *Gate) Authorize(ctx context.Context, req *Request, action *automation.BashAction) error {
	hash := HashScript(req.Body)

	if action.Approved {
		if hash == action.ApprovedHash {
			return nil
		}
		// The body changed since approval. Revert to pending so a
		// tampered or regenerated script never runs on stale consent.
		g.logger.Warn("script body changed since approval, revoking",
			"script_id", req.ScriptID,
			"automation_id", req.AutomationID)
		action.RevokeApproval()
	}

	if g.prompter == nil {
		return automation.ErrApprovalRequired
	}

	approved, err := g.prompter.Approve(ctx, req)
	if err != nil {
		return err
	}
	if !approved {
		return automation.ErrApprovalRequired
	}

	now := time.Now()
	action.Approved = true
	action.ApprovedAt = &now
	action.ApprovedHash = hash
	g.logger.Info("script approved",
		"script_id", req.ScriptID,
		"hash", hash[:12])
	return nil
}
