// Package safety is the authorization chokepoint for destructive disk
// operations. Nothing in this codebase opens a device for writing without an
// authorized Decision from the Gate, and the Gate denies by default: no
// force flag means no, force without a live single-use confirmation token
// means no.
package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

var (
	ErrSystemDiskProtected      = errors.New("target disk hosts the running system")
	ErrMissingConfirmationToken = errors.New("destructive operation requires a valid confirmation token")
	ErrTokenConsumed            = errors.New("confirmation token already consumed")
	ErrTokenExpired             = errors.New("confirmation token expired")
	ErrDeviceBusy               = errors.New("device busy")
	ErrUnknownDisk              = errors.New("disk not present in device graph")
	ErrForceRequired            = errors.New("destructive operations are denied by default")
	ErrZeroSizeDisk             = errors.New("disk reports zero size")
)

// State is a stop on the gate's decision path.
type State string

const (
	StateRequested           State = "requested"
	StateClassified          State = "classified"
	StateDenied              State = "denied"
	StatePendingConfirmation State = "pending_confirmation"
	StateConfirmed           State = "confirmed"
	StateAuthorized          State = "authorized"
)

var transitions = map[State][]State{
	StateRequested:           {StateClassified},
	StateClassified:          {StateDenied, StatePendingConfirmation, StateAuthorized},
	StatePendingConfirmation: {StateConfirmed, StateDenied},
	StateConfirmed:           {StateAuthorized},
}

// ValidTransition reports whether the gate may move from one state to the
// next. Denied and authorized are terminal.
func ValidTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Reason is the machine-readable ground for a decision.
type Reason string

const (
	ReasonNonDestructive      Reason = "non_destructive"
	ReasonConfirmed           Reason = "confirmed"
	ReasonForceRequired       Reason = "force_required"
	ReasonSystemDiskProtected Reason = "system_disk_protected"
	ReasonMissingToken        Reason = "missing_confirmation_token"
	ReasonTokenConsumed       Reason = "token_consumed"
	ReasonTokenExpired        Reason = "token_expired"
	ReasonUnknownDisk         Reason = "unknown_disk"
	ReasonZeroSizeDisk        Reason = "zero_size_disk"
)

// Request asks the gate to authorize one operation against one disk, judged
// against a freshly captured device graph.
type Request struct {
	Op          string
	DiskID      string
	Destructive bool
	Force       bool
	Token       string
	RunID       string
	Graph       *devgraph.DeviceGraph
}

// Transition is one recorded hop of the decision path.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Decision is the gate's answer plus the evidence trail of how it got there.
type Decision struct {
	State          State        `json:"state"`
	Reason         Reason       `json:"reason"`
	Message        string       `json:"message"`
	Op             string       `json:"op"`
	DiskID         string       `json:"disk_id"`
	SystemDisk     bool         `json:"system_disk"`
	SystemOverride bool         `json:"system_override,omitempty"`
	TokenID        string       `json:"token_id,omitempty"`
	History        []Transition `json:"history"`
	DecidedAt      time.Time    `json:"decided_at"`
}

// Authorized reports whether the operation may proceed.
func (d *Decision) Authorized() bool { return d.State == StateAuthorized }

// Err maps a non-authorized decision to its taxonomy error.
func (d *Decision) Err() error {
	if d.Authorized() {
		return nil
	}
	var base error
	switch d.Reason {
	case ReasonSystemDiskProtected:
		base = ErrSystemDiskProtected
	case ReasonMissingToken:
		base = ErrMissingConfirmationToken
	case ReasonTokenConsumed:
		base = ErrTokenConsumed
	case ReasonTokenExpired:
		base = ErrTokenExpired
	case ReasonUnknownDisk:
		base = ErrUnknownDisk
	case ReasonZeroSizeDisk:
		base = ErrZeroSizeDisk
	default:
		base = ErrForceRequired
	}
	return fmt.Errorf("%w: %s %s", base, d.Op, d.DiskID)
}

// Gate evaluates requests. It holds no disk state itself; every request is
// judged against the graph the caller just captured.
type Gate struct {
	log    zerolog.Logger
	tokens *TokenRegistry
	audit  *AuditLog
	now    func() time.Time
}

func NewGate(log zerolog.Logger, tokens *TokenRegistry, audit *AuditLog) *Gate {
	return &Gate{
		log:    log.With().Str("component", "safety").Logger(),
		tokens: tokens,
		audit:  audit,
		now:    time.Now,
	}
}

// Evaluate runs the decision state machine for one request.
func (g *Gate) Evaluate(req Request) *Decision {
	d := &Decision{State: StateRequested, Op: req.Op, DiskID: req.DiskID}
	g.advance(d, StateClassified, "")

	var disk *devgraph.Disk
	if req.Graph != nil {
		if found, ok := req.Graph.FindDisk(req.DiskID); ok {
			disk = found
		}
	}
	if disk != nil {
		d.SystemDisk = disk.IsSystemDisk
	}

	if !req.Destructive {
		if req.DiskID != "" && disk == nil {
			return g.deny(d, req, ReasonUnknownDisk, fmt.Sprintf("disk %q not in graph", req.DiskID))
		}
		d.Reason = ReasonNonDestructive
		g.advance(d, StateAuthorized, "read-only operation")
		return g.finish(d, req)
	}

	if disk == nil {
		return g.deny(d, req, ReasonUnknownDisk, fmt.Sprintf("disk %q not in graph", req.DiskID))
	}
	if disk.SizeBytes == 0 {
		return g.deny(d, req, ReasonZeroSizeDisk, "disk reports zero size; refusing to write")
	}
	if !req.Force {
		if d.SystemDisk {
			return g.deny(d, req, ReasonSystemDiskProtected, "target hosts the running system")
		}
		return g.deny(d, req, ReasonForceRequired, "destructive operations are denied by default")
	}

	g.advance(d, StatePendingConfirmation, "force requested; confirmation required")
	if req.Token == "" {
		return g.deny(d, req, ReasonMissingToken, "no confirmation token presented")
	}
	tokenID, err := g.tokens.consume(req.Token, req.DiskID, req.Op)
	d.TokenID = tokenID
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenConsumed):
			return g.deny(d, req, ReasonTokenConsumed, "confirmation token already consumed")
		case errors.Is(err, ErrTokenExpired):
			return g.deny(d, req, ReasonTokenExpired, "confirmation token expired")
		default:
			return g.deny(d, req, ReasonMissingToken, "confirmation token not valid for this disk and operation")
		}
	}
	g.advance(d, StateConfirmed, "token accepted and consumed")
	d.Reason = ReasonConfirmed
	d.SystemOverride = d.SystemDisk
	g.advance(d, StateAuthorized, "")
	return g.finish(d, req)
}

func (g *Gate) advance(d *Decision, to State, note string) {
	from := d.State
	if !ValidTransition(from, to) {
		// Unreachable unless the transition table changes.
		g.log.Error().Str("from", string(from)).Str("to", string(to)).Msg("illegal gate transition")
	}
	d.State = to
	d.History = append(d.History, Transition{From: from, To: to, At: g.now().UTC(), Note: note})
}

func (g *Gate) deny(d *Decision, req Request, reason Reason, msg string) *Decision {
	d.Reason = reason
	d.Message = msg
	g.advance(d, StateDenied, msg)
	return g.finish(d, req)
}

func (g *Gate) finish(d *Decision, req Request) *Decision {
	d.DecidedAt = g.now().UTC()
	outcome := "denied"
	if d.Authorized() {
		outcome = "authorized"
	}
	g.audit.Record(Event{
		Kind:    "gate.decision",
		Op:      req.Op,
		DiskID:  req.DiskID,
		RunID:   req.RunID,
		TokenID: d.TokenID,
		Outcome: outcome,
		Detail:  string(d.Reason),
	})
	g.log.Info().
		Str("op", req.Op).
		Str("disk_id", req.DiskID).
		Bool("destructive", req.Destructive).
		Bool("system_disk", d.SystemDisk).
		Str("state", string(d.State)).
		Str("reason", string(d.Reason)).
		Msg("gate decision")
	return d
}
